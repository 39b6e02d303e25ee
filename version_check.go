package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"
)

const (
	githubRepo          = "simpipe/simpipe"
	githubAPI           = "https://api.github.com"
	versionCheckTimeout = 30000 * time.Millisecond // HTTP request timeout
	versionMaxRetries   = 3                        // Max attempts per check
	versionRetryDelay   = 2 * time.Second          // Delay between retries
)

// errRetryable marks release lookups worth repeating.
var errRetryable = errors.New("temporary release lookup failure")

// releaseChecker looks up the latest published release.
type releaseChecker struct {
	client     *http.Client
	baseURL    string
	retryDelay time.Duration
}

func newReleaseChecker() *releaseChecker {
	return &releaseChecker{
		client:     http.DefaultClient,
		baseURL:    githubAPI,
		retryDelay: versionRetryDelay,
	}
}

// githubRelease represents a release with version and status information.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// Latest returns the newest stable release version, or "" if none is published.
func (rc *releaseChecker) Latest(ctx context.Context) (string, error) {
	var err error
	for attempt := range versionMaxRetries {
		var latest string
		latest, err = rc.check(ctx)
		if err == nil || !errors.Is(err, errRetryable) {
			return latest, err
		}
		slog.Debug("release check failed", "attempt", attempt+1, "error", err)
		if attempt < versionMaxRetries-1 {
			select {
			case <-time.After(rc.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", err
}

// check performs one release lookup.
func (rc *releaseChecker) check(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, versionCheckTimeout, errors.New("github API request timeout"))
	defer cancel()

	url := rc.baseURL + "/repos/" + githubRepo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", util.WrapError("create release request", err)
	}

	// Set required GitHub API headers.
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "simpipe/"+Version)

	resp, err := rc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errRetryable, err)
	}
	defer util.SafeCloseFunc(resp.Body, "release response body")()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		// No releases exist yet - not an error
		return "", nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	default:
		return "", fmt.Errorf("release lookup returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", util.WrapError("decode release", err)
	}
	if release.Draft || release.Prerelease || release.TagName == "" {
		return "", nil
	}
	return normalizeVersion(release.TagName), nil
}

// versionInfo returns the build information, compared against latest when known.
func versionInfo(latest string) types.VersionInfo {
	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:   current,
		Latest:    latest,
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}

	// Determine if an update is available.
	if latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(latest, current)
	}
	return info
}

// normalizeVersion returns a normalized version string.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// canonicalVersion returns the version in canonical semver format.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// isNewerVersion reports whether latest is newer than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(canonicalVersion(latest), canonicalVersion(current)) > 0
}

func (a *app) versionCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var latest string
			if check {
				var err error
				latest, err = newReleaseChecker().Latest(cmd.Context())
				if err != nil {
					a.exitCode = 1
					return util.WrapError("check latest release", err)
				}
			}

			info := versionInfo(latest)
			fmt.Fprintf(a.out, "simpipe %s (commit %s, built %s)\n", info.Current, info.Commit, info.BuildTime)
			switch {
			case !check:
			case info.UpdateAvail:
				fmt.Fprintf(a.out, "Update available: %s\n", info.Latest)
			case info.Latest == "":
				fmt.Fprintln(a.out, "No published release found")
			default:
				fmt.Fprintln(a.out, "Up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "compare with the latest published release")
	return cmd
}
