package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// LocateBinary finds the transcoder executable: explicit override
// first, then PATH, then common install locations. As a last resort it
// returns the bare name and lets the spawn fail with a useful error.
func LocateBinary(override string) string {
	if override != "" {
		return override
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path
	}
	for _, candidate := range commonInstallPaths() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return "ffmpeg"
}

func commonInstallPaths() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files (x86)\ffmpeg\bin\ffmpeg.exe`,
			filepath.Join(home, `scoop\apps\ffmpeg\current\bin\ffmpeg.exe`),
		}
	case "darwin":
		return []string{
			"/usr/local/bin/ffmpeg",
			"/opt/homebrew/bin/ffmpeg",
			"/usr/bin/ffmpeg",
			filepath.Join(home, "bin/ffmpeg"),
		}
	default:
		return []string{
			"/usr/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/snap/bin/ffmpeg",
			filepath.Join(home, ".local/bin/ffmpeg"),
			filepath.Join(home, "bin/ffmpeg"),
		}
	}
}

// ProbeBinaryFor derives the inspection binary's path from the
// transcoder's path, assuming the two ship side by side.
func ProbeBinaryFor(ffmpegPath string) string {
	dir, base := filepath.Split(ffmpegPath)
	return dir + strings.Replace(base, "ffmpeg", "ffprobe", 1)
}

// CheckBinary verifies the executable at path runs and reports a
// version. A missing or broken install fails here rather than on the
// first job.
func CheckBinary(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg check %q: %w", path, err)
	}
	return nil
}
