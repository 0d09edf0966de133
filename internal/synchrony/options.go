// Package synchrony reconciles issues between the local store and a remote
// tracker in both directions.
package synchrony

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
	"synchrony/internal/telemetry"
)

// Options are shared by Puller and Pusher.
type Options struct {
	Logger        *slog.Logger
	HTTPClient    *http.Client
	Metrics       *telemetry.SyncMetrics
	RetryInterval time.Duration
	// Now replaces the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewSyncMetrics(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func newClient(site *settings.Site, opts Options) (*remote.Client, error) {
	return remote.NewClient(remote.Options{
		BaseURL:       site.TargetSite,
		APIKey:        site.APIKey,
		HTTPClient:    opts.HTTPClient,
		Timeout:       site.Timeout,
		RetryInterval: opts.RetryInterval,
	})
}

// siteLogger tags every record with the site pairing.
func siteLogger(logger *slog.Logger, site *settings.Site, dir Direction) *slog.Logger {
	return logger.With("site", site.Name, "direction", dir.String())
}

// bookkeepingLocal lists the local fields owned by the engine.
func bookkeepingLocal(site *settings.Site, identityField uint) map[int]bool {
	out := make(map[int]bool)
	for _, id := range []uint{
		site.LocalSynchronizableSwitch,
		site.LocalRemoteURL,
		site.LocalLastSyncSuccessful,
		site.LocalInitialProject,
		identityField,
	} {
		if id != 0 {
			out[int(id)] = true
		}
	}
	return out
}

// bookkeepingRemote lists the remote fields owned by the engine.
func bookkeepingRemote(site *settings.Site) map[int]bool {
	out := make(map[int]bool)
	for _, id := range []int{site.RemoteSynchronizableSwitch, site.RemoteCFForAuthor, site.RemoteTaskURL} {
		if id != 0 {
			out[id] = true
		}
	}
	return out
}

// RemoteIdentityFieldName is looked up when local_remote_identity is unset.
const RemoteIdentityFieldName = "Remote User ID"

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(models.DateFormat, s)
	if err != nil {
		return nil
	}
	return &t
}

func formatDate(t *time.Time) *string {
	if t == nil {
		s := ""
		return &s
	}
	s := t.Format(models.DateFormat)
	return &s
}

func idString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func isUnavailable(err error) bool {
	return errors.Is(err, remote.ErrUnavailable)
}
