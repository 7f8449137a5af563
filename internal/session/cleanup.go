package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileClass is the cleanup classification of a profile directory entry.
type FileClass int

const (
	// ClassUnknown files are never touched.
	ClassUnknown FileClass = iota
	// ClassVolatile files are lock artifacts safe to delete when no live
	// process holds the profile.
	ClassVolatile
	// ClassDurableAuth files hold authentication state that must survive
	// restarts. Deleting them forces re-pairing.
	ClassDurableAuth
)

// maxCleanDepth bounds the recursive sweep. The automation layer nests lock
// artifacts at most two levels deep (profile/session-xxx/Default).
const maxCleanDepth = 3

// volatileNames are exact file names of lock artifacts.
var volatileNames = map[string]bool{
	"SingletonLock":      true,
	"SingletonCookie":    true,
	"SingletonSocket":    true,
	"DevToolsActivePort": true,
	"lockfile":           true,
}

// volatilePrefixes match per-browser singleton markers with host-qualified names.
var volatilePrefixes = []string{
	".com.google.Chrome",
	".org.chromium.Chromium",
}

// durableAuthNames are file or directory names holding authentication state.
var durableAuthNames = map[string]bool{
	"Local Storage":   true,
	"IndexedDB":       true,
	"Session Storage": true,
	"Local State":     true,
	"Preferences":     true,
}

// durableAuthPrefixes match auth databases that carry journal/wal suffixes.
var durableAuthPrefixes = []string{
	"Cookies",
	"Login Data",
}

// Classify assigns a cleanup class to a profile directory entry by name.
// Pure function over the enumerated rule sets; durable-auth rules win over
// volatile rules so a misclassified artifact errs toward preservation.
func Classify(name string) FileClass {
	if durableAuthNames[name] {
		return ClassDurableAuth
	}
	for _, prefix := range durableAuthPrefixes {
		if strings.HasPrefix(name, prefix) {
			return ClassDurableAuth
		}
	}
	if volatileNames[name] {
		return ClassVolatile
	}
	for _, prefix := range volatilePrefixes {
		if strings.HasPrefix(name, prefix) {
			return ClassVolatile
		}
	}
	return ClassUnknown
}

// CleanProfileDir removes volatile lock artifacts from the profile directory,
// recursing into subdirectories up to maxCleanDepth. Durable auth state and
// unrecognized files are left untouched. A missing directory is not an error;
// acquisition creates it.
func CleanProfileDir(dir string, logger *slog.Logger) error {
	return cleanDir(dir, 0, logger)
}

func cleanDir(dir string, depth int, logger *slog.Logger) error {
	if depth > maxCleanDepth {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profile directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		switch Classify(entry.Name()) {
		case ClassVolatile:
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove lock artifact %s: %w", path, err)
			}
			logger.Info("Removed volatile lock artifact",
				slog.String("path", path),
			)

		case ClassDurableAuth:
			// Never descend into auth state, even when it is a directory.

		default:
			if entry.IsDir() {
				if err := cleanDir(path, depth+1, logger); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
