// Package env 负责加载 .env 文件，使 EMUAGENT_* 配置对整个进程可见。
package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ExplicitFileEnv names an env file to load instead of searching for .env.
const ExplicitFileEnv = "EMUAGENT_DOTENV"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads EMUAGENT_DOTENV when set, otherwise the first .env found from
// the working directory up to the filesystem root. Variables already present
// in the process environment win. Subsequent calls are no-ops.
func Ensure() error {
	// go test stays hermetic unless GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := resolve()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("emuagent: search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("emuagent: load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("emuagent: loaded .env")
	})
	return loadErr
}

// LoadedPath returns the resolved env file path if one was loaded.
func LoadedPath() string {
	return loadedPath
}

func resolve() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(ExplicitFileEnv)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	return findDotEnv()
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}
