// Package remote builds the shell command lines run on resources. Every
// caller-supplied word goes through Quote; nothing else in the scheduler
// concatenates user data into a command.
package remote

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

const (
	ConfigFile      = "config.json"
	EnvFile         = "env.sh"
	BootFile        = "boot.sh"
	ProvenanceFile  = "placement.sh"
	DefaultBaseDir  = "tasks"
	ServiceCodeDir  = "service"
	SyncKeyName     = "id_task_sync"
	DefaultResult   = "product.json"
	AlternateResult = "products.json"
)

var ErrUnsafePath = errors.New("unsafe remote path")

// Quote escapes a single word for a POSIX shell.
func Quote(word string) string {
	return shellquote.Join(word)
}

// Command joins argv into a single shell-safe command line.
func Command(argv ...string) string {
	return shellquote.Join(argv...)
}

// And chains command lines so that each runs only if the previous one succeeded.
func And(cmds ...string) string {
	return strings.Join(cmds, " && ")
}

// InDir runs cmd from within dir.
func InDir(dir, cmd string) string {
	return And(Command("cd", dir), cmd)
}

// Script runs a remote-relative script path (as declared by the service
// registry) through sh, from the task directory.
func Script(dir, script string, args ...string) string {
	return InDir(dir, Command(append([]string{"sh", script}, args...)...))
}

// TaskDir is the working directory of a task on a resource: <base>/<owner>/<task>.
func TaskDir(base string, ownerID, taskID uint) string {
	if base == "" {
		base = DefaultBaseDir
	}
	return path.Join(base, strconv.FormatUint(uint64(ownerID), 10), strconv.FormatUint(uint64(taskID), 10))
}

// CheckTaskDir refuses any path that is not the clean, task-scoped directory
// of the given task. Destructive commands are built only after this passes.
func CheckTaskDir(dir string, taskID uint) error {
	if dir == "" || dir == "/" || dir == "." {
		return fmt.Errorf("%w: %q", ErrUnsafePath, dir)
	}
	if path.Clean(dir) != dir || strings.Contains(dir, "..") {
		return fmt.Errorf("%w: %q is not clean", ErrUnsafePath, dir)
	}
	if path.Base(dir) != strconv.FormatUint(uint64(taskID), 10) {
		return fmt.Errorf("%w: %q does not end with task id %d", ErrUnsafePath, dir, taskID)
	}
	if strings.Count(strings.Trim(dir, "/"), "/") < 2 {
		return fmt.Errorf("%w: %q is too shallow", ErrUnsafePath, dir)
	}
	return nil
}

// RemoveTaskDir deletes a task directory and then its parent if that is now empty.
func RemoveTaskDir(dir string, taskID uint) (string, error) {
	if err := CheckTaskDir(dir, taskID); err != nil {
		return "", err
	}
	return And(Command("rm", "-rf", "--", dir), "{ "+Command("rmdir", "--", path.Dir(dir))+" 2>/dev/null || true; }"), nil
}

// MakeDir creates dir and its parents.
func MakeDir(dir string) string {
	return Command("mkdir", "-p", "--", dir)
}

// FetchCode clones repo at branch into <dir>/service, or updates an existing
// checkout, then prints the commit id.
func FetchCode(dir, repo, branch string) string {
	code := path.Join(dir, ServiceCodeDir)
	clone := Command("git", "clone", "--quiet", "--depth", "1", "--branch", branch, "--", repo, code)
	update := And(
		Command("git", "-C", code, "fetch", "--quiet", "--depth", "1", "origin", branch),
		Command("git", "-C", code, "checkout", "--quiet", "--force", "FETCH_HEAD"),
	)
	return "{ if [ -d " + Quote(path.Join(code, ".git")) + " ]; then " + update + "; else " + clone + "; fi; } && " +
		Command("git", "-C", code, "rev-parse", "HEAD")
}

// InstallKey writes stdin to ~/.ssh/<name> with owner-only permissions.
func InstallKey(name string) string {
	keyPath := path.Join(".ssh", name)
	return And(
		"umask 077",
		Command("mkdir", "-p", ".ssh"),
		Command("sh", "-c", "cat > \"$1\"", "install-key", keyPath),
		Command("chmod", "600", keyPath),
	)
}

// Rsync pulls srcPath/ from user@host into dstPath using only the named key.
func Rsync(keyName, user, host string, port int, srcPath, dstPath string) string {
	sshArgs := []string{"ssh", "-i", path.Join(".ssh", keyName),
		"-o", "IdentitiesOnly=yes", "-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"}
	if port != 0 && port != 22 {
		sshArgs = append(sshArgs, "-p", strconv.Itoa(port))
	}
	src := fmt.Sprintf("%s@%s:%s/", user, host, strings.TrimSuffix(srcPath, "/"))
	return And(
		MakeDir(dstPath),
		Command("rsync", "-a", "--timeout=600", "-e", shellquote.Join(sshArgs...), src, strings.TrimSuffix(dstPath, "/")+"/"),
	)
}

// DirExists exits 0 when dir exists and 1 otherwise.
func DirExists(dir string) string {
	return Command("test", "-d", dir)
}
