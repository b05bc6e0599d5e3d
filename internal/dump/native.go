package dump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/avdeyev/shopvault/internal/config"
)

// NativeResult reports one native tool invocation.
type NativeResult struct {
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
}

// CheckTools verifies that the required command-line tools are available in
// the system PATH.
func CheckTools(tools ...string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// NativeTools returns the external binaries needed for the engine's native
// dump and restore path, nil when the engine has none.
func NativeTools(engine string) []string {
	switch engine {
	case "mysql":
		return []string{"mysqldump", "mysql"}
	case "postgres":
		return []string{"pg_dump", "pg_restore"}
	default:
		return nil
	}
}

// NativeDump shells out to the store engine's dump utility. The password
// travels via environment variable, never on the command line. Non-zero
// exit folds the captured stderr into the returned error.
func NativeDump(ctx context.Context, store config.StoreConfig, outputPath string) (*NativeResult, error) {
	start := time.Now()

	var cmd *exec.Cmd
	switch store.Engine {
	case "mysql":
		cmd = exec.CommandContext(ctx, "mysqldump",
			"--host="+store.Host,
			"--port="+strconv.Itoa(store.Port),
			"--user="+store.User,
			"--single-transaction",
			"--routines",
			"--result-file="+outputPath,
			store.Name,
		)
		cmd.Env = append(os.Environ(), "MYSQL_PWD="+store.Password)
	case "postgres":
		cmd = exec.CommandContext(ctx, "pg_dump",
			"--host="+store.Host,
			"--port="+strconv.Itoa(store.Port),
			"--username="+store.User,
			"--format=custom",
			"--file="+outputPath,
			store.Name,
		)
		cmd.Env = append(os.Environ(), "PGPASSWORD="+store.Password)
	default:
		return nil, fmt.Errorf("no native dump tool for engine %q", store.Engine)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("native dump failed: %w, stderr: %s", err, stderr.String())
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("stat dump output: %w", err)
	}

	return &NativeResult{
		OutputPath: outputPath,
		SizeBytes:  info.Size(),
		Duration:   time.Since(start),
	}, nil
}

// NativeRestore feeds a native dump back into the store engine.
func NativeRestore(ctx context.Context, store config.StoreConfig, inputPath string) error {
	var cmd *exec.Cmd
	switch store.Engine {
	case "mysql":
		cmd = exec.CommandContext(ctx, "mysql",
			"--host="+store.Host,
			"--port="+strconv.Itoa(store.Port),
			"--user="+store.User,
			store.Name,
		)
		in, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open dump file: %w", err)
		}
		defer in.Close()
		cmd.Stdin = in
		cmd.Env = append(os.Environ(), "MYSQL_PWD="+store.Password)
	case "postgres":
		cmd = exec.CommandContext(ctx, "pg_restore",
			"--host="+store.Host,
			"--port="+strconv.Itoa(store.Port),
			"--username="+store.User,
			"--clean",
			"--if-exists",
			"--dbname="+store.Name,
			inputPath,
		)
		cmd.Env = append(os.Environ(), "PGPASSWORD="+store.Password)
	default:
		return fmt.Errorf("no native restore tool for engine %q", store.Engine)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("native restore failed: %w, stderr: %s", err, stderr.String())
	}
	return nil
}
