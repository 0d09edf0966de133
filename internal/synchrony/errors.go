package synchrony

import (
	"errors"

	"synchrony/internal/db"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

// SyncErrorMessage is the only text an interactive caller sees for an
// unexpected failure. Details go to the log.
const SyncErrorMessage = "Error during synchronization. Please check synchrony.log for details."

// ConfigurationError names a required setting or mapping that is absent.
type ConfigurationError = settings.ConfigurationError

// RemoteRejected is a validation failure reported by the remote tracker.
type RemoteRejected = remote.RejectedError

// SyncError wraps an unexpected failure of a run.
type SyncError struct {
	Site string
	Err  error
}

func (e *SyncError) Error() string { return SyncErrorMessage }

func (e *SyncError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err names a missing setting.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsLocalConflict reports whether err is an optimistic locking collision.
func IsLocalConflict(err error) bool {
	return errors.Is(err, db.ErrStaleObject)
}

// IsRejected reports whether the remote refused a write.
func IsRejected(err error) bool {
	var re *RemoteRejected
	return errors.As(err, &re)
}
