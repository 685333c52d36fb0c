package core

import (
	"errors"
	"testing"
)

func TestRegistryError_Unwrap(t *testing.T) {
	t.Run("with wrapped error", func(t *testing.T) {
		originalErr := errors.New("original error")
		wrappedErr := &RegistryError{
			Op:      "test_operation",
			Kind:    KindInvalidArgument,
			Message: "configuration error",
			Err:     originalErr,
		}

		if unwrapped := wrappedErr.Unwrap(); unwrapped != originalErr {
			t.Errorf("Unwrap() = %v, want %v", unwrapped, originalErr)
		}
	})

	t.Run("with nil wrapped error", func(t *testing.T) {
		wrappedErr := &RegistryError{
			Op:      "test_operation",
			Kind:    KindInvalidArgument,
			Message: "configuration error",
			Err:     nil,
		}

		if unwrapped := wrappedErr.Unwrap(); unwrapped != nil {
			t.Errorf("Unwrap() = %v, want nil", unwrapped)
		}
	})

	t.Run("unwrapping chain with errors.Is", func(t *testing.T) {
		originalErr := ErrInstanceNotFound
		wrappedErr := &RegistryError{
			Op:      "lookup_instance",
			Kind:    KindNotFound,
			Message: "instance lookup failed",
			Err:     originalErr,
		}

		if !errors.Is(wrappedErr, originalErr) {
			t.Error("errors.Is() should find original error in wrapped error")
		}
	})

	t.Run("unwrapping chain with errors.As", func(t *testing.T) {
		originalErr := &RegistryError{
			Op:      "find_instance",
			Kind:    KindNotFound,
			Message: "instance not found",
			Err:     nil,
		}

		wrappedErr := &RegistryError{
			Op:      "validate_config",
			Kind:    KindInvalidArgument,
			Message: "configuration error",
			Err:     originalErr,
		}

		var targetErr *RegistryError
		if !errors.As(wrappedErr, &targetErr) {
			t.Error("errors.As() should find RegistryError in wrapped error")
		}
		if targetErr != wrappedErr {
			t.Error("errors.As() should return the outermost RegistryError")
		}
	})

	t.Run("multiple levels of wrapping", func(t *testing.T) {
		baseErr := errors.New("base error")

		level1Err := &RegistryError{
			Op:      "connect_cluster",
			Kind:    KindUnavailable,
			Message: "cluster error",
			Err:     baseErr,
		}

		level2Err := &RegistryError{
			Op:      "validate_config",
			Kind:    KindInvalidArgument,
			Message: "config error",
			Err:     level1Err,
		}

		if unwrapped := level2Err.Unwrap(); unwrapped != level1Err {
			t.Errorf("Unwrap() = %v, want %v", unwrapped, level1Err)
		}
		if !errors.Is(level2Err, baseErr) {
			t.Error("errors.Is() should find base error through multiple wrapping levels")
		}
		if !errors.Is(level2Err, level1Err) {
			t.Error("errors.Is() should find intermediate error")
		}
	})

	t.Run("with standard library error", func(t *testing.T) {
		stdErr := errors.New("standard error")
		wrappedErr := &RegistryError{
			Op:      "connect",
			Kind:    KindUnavailable,
			Message: "connection failed",
			Err:     stdErr,
		}

		if unwrapped := wrappedErr.Unwrap(); unwrapped != stdErr {
			t.Errorf("Unwrap() = %v, want %v", unwrapped, stdErr)
		}
		if !errors.Is(wrappedErr, stdErr) {
			t.Error("errors.Is() should work with standard library errors")
		}
	})
}
