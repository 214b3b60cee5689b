package doctor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"prism/internal/asr"
	"prism/internal/config"
	"prism/internal/preload"
)

// Result represents a diagnostic check. Optional checks warn instead of fail.
type Result struct {
	Name     string
	Pass     bool
	Optional bool
	Detail   string
}

// Run executes doctor checks.
func Run(cfg *config.Config) []Result {
	return []Result{
		checkFile("config path", cfg.Paths.ConfigPath, false),
		checkWritableDir("state dir", cfg.Paths.StateDir),
		checkStrategy(cfg.Preload.Strategy),
		checkWhisperBuild(),
		checkFile("model file", cfg.ASR.ModelPath, !whisperBuilt),
		checkVAD(cfg.ASR.VADAggressiveness),
		checkHookExecutable(cfg.Hook.Command),
		checkDaemon(cfg.Paths.SocketPath),
	}
}

func checkFile(label, path string, optional bool) Result {
	if path == "" {
		return Result{Name: label, Optional: optional, Detail: "not set"}
	}
	if _, err := os.Stat(os.ExpandEnv(path)); err != nil {
		return Result{Name: label, Optional: optional, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: path}
}

func checkWritableDir(label, dir string) Result {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Name: label, Detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Result{Name: label, Detail: err.Error()}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return Result{Name: label, Pass: true, Detail: dir}
}

func checkStrategy(name string) Result {
	s, err := preload.StrategyByName(name)
	if err != nil {
		return Result{Name: "strategy", Detail: err.Error()}
	}
	return Result{Name: "strategy", Pass: true, Detail: fmt.Sprintf("%s (preload %.0fs, fast %.0fs, cache %d MB)",
		s.Name, s.PreloadDuration, s.FastWindow, s.MaxCacheBytes>>20)}
}

func checkVAD(mode int) Result {
	ratio, err := asr.Gate{Mode: mode}.VoicedRatio(make([]float32, 480), 16000)
	if err != nil {
		return Result{Name: "vad", Optional: true, Detail: err.Error()}
	}
	return Result{Name: "vad", Pass: true, Detail: fmt.Sprintf("mode %d, silence ratio %.0f", mode, ratio)}
}

func checkHookExecutable(cmd string) Result {
	label := "hook.command"
	if cmd == "" {
		return Result{Name: label, Optional: true, Detail: "not set; transcripts only go to the log"}
	}
	path := os.ExpandEnv(cmd)
	// If contains a path separator, treat as explicit path.
	if strings.Contains(path, "/") || strings.Contains(path, "\\") {
		info, err := os.Stat(path)
		if err != nil {
			return Result{Name: label, Detail: err.Error()}
		}
		if info.IsDir() {
			return Result{Name: label, Detail: "is a directory; set hook.command to an executable file"}
		}
		if info.Mode().Perm()&0o111 == 0 {
			return Result{Name: label, Detail: "not executable; chmod +x or choose another command"}
		}
		return Result{Name: label, Pass: true, Detail: path}
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Result{Name: label, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: resolved}
}

func checkDaemon(socket string) Result {
	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return Result{Name: "daemon", Optional: true, Detail: "not running (" + filepath.Base(socket) + ")"}
	}
	_ = conn.Close()
	return Result{Name: "daemon", Pass: true, Detail: socket}
}
