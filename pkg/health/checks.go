package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const probeTimeout = 5 * time.Second

// DefaultChecksConfig wires the standard check battery against a deployment.
type DefaultChecksConfig struct {
	// PrimaryProbeURL is an HTTP endpoint whose reachability stands in for
	// the primary backend (e.g. the provider's API base URL).
	PrimaryProbeURL string
	// SecondaryProbeURL probes the secondary backend (e.g. the local Ollama
	// server's version endpoint).
	SecondaryProbeURL string
	// CredentialEnvVar names the environment variable carrying the primary
	// backend's API key.
	CredentialEnvVar string
	// StorageDir is the directory the persistence layer writes to.
	StorageDir string
	// MinDiskBytes is the free-space floor below which resource headroom is
	// critical. Zero disables the floor.
	MinDiskBytes uint64
	// NetworkProbeAddr is a host:port dialed to verify outbound networking.
	NetworkProbeAddr string
}

// DefaultChecks builds the standard battery from the config.
func DefaultChecks(cfg DefaultChecksConfig) map[string]CheckFunc {
	return map[string]CheckFunc{
		CheckPrimaryReachable:   checkHTTPProbe(cfg.PrimaryProbeURL, "primary backend"),
		CheckSecondaryReachable: checkHTTPProbe(cfg.SecondaryProbeURL, "secondary backend"),
		CheckCredentials:        checkCredentials(cfg.CredentialEnvVar),
		CheckStorageWritable:    checkStorageWritable(cfg.StorageDir),
		CheckResourceHeadroom:   checkDiskHeadroom(cfg.StorageDir, cfg.MinDiskBytes),
		CheckNetwork:            checkNetwork(cfg.NetworkProbeAddr),
	}
}

// checkHTTPProbe verifies an HTTP endpoint answers at all. Any response,
// including 4xx, proves reachability; only transport failures are critical.
func checkHTTPProbe(probeURL, label string) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if probeURL == "" {
			return CheckResult{Status: StatusWarning, Message: fmt.Sprintf("no probe URL configured for %s", label)}
		}

		client := &http.Client{Timeout: probeTimeout}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, http.NoBody)
		if err != nil {
			return CheckResult{Status: StatusCritical, Message: fmt.Sprintf("failed to build probe request: %v", err)}
		}

		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{Status: StatusCritical, Message: fmt.Sprintf("cannot reach %s at %s: %v", label, probeURL, err)}
		}
		defer func() { _ = resp.Body.Close() }()

		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%s reachable (status %d)", label, resp.StatusCode)}
	}
}

func checkCredentials(envVar string) CheckFunc {
	return func(_ context.Context) CheckResult {
		if envVar == "" {
			return CheckResult{Status: StatusWarning, Message: "no credential variable configured"}
		}
		if os.Getenv(envVar) == "" {
			return CheckResult{Status: StatusCritical, Message: fmt.Sprintf("%s environment variable is not set", envVar)}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%s is set", envVar)}
	}
}

// checkStorageWritable writes and removes a marker file in the storage
// directory.
func checkStorageWritable(dir string) CheckFunc {
	return func(_ context.Context) CheckResult {
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Status: StatusCritical, Message: fmt.Sprintf("cannot create storage dir %s: %v", dir, err)}
		}

		marker := filepath.Join(dir, fmt.Sprintf(".healthcheck-%d", time.Now().UnixNano()))
		if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
			return CheckResult{Status: StatusCritical, Message: fmt.Sprintf("storage dir %s not writable: %v", dir, err)}
		}
		_ = os.Remove(marker)

		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("storage dir %s writable", dir)}
	}
}

func checkDiskHeadroom(dir string, minBytes uint64) CheckFunc {
	return func(_ context.Context) CheckResult {
		if dir == "" {
			dir = os.TempDir()
		}

		var stat syscall.Statfs_t
		if err := syscall.Statfs(dir, &stat); err != nil {
			return CheckResult{Status: StatusWarning, Message: fmt.Sprintf("cannot stat filesystem at %s: %v", dir, err)}
		}

		free := stat.Bavail * uint64(stat.Bsize) //nolint:gosec // Bavail is non-negative
		if minBytes > 0 && free < minBytes {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("only %d bytes free at %s (floor %d)", free, dir, minBytes),
			}
		}
		if minBytes > 0 && free < minBytes*2 {
			return CheckResult{
				Status:  StatusWarning,
				Message: fmt.Sprintf("%d bytes free at %s, approaching floor %d", free, dir, minBytes),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d bytes free at %s", free, dir)}
	}
}

func checkNetwork(addr string) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if addr == "" {
			addr = "1.1.1.1:53"
		}

		dialer := &net.Dialer{Timeout: probeTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return CheckResult{Status: StatusCritical, Message: fmt.Sprintf("cannot dial %s: %v", addr, err)}
		}
		_ = conn.Close()

		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("network reachable via %s", addr)}
	}
}
