package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/rval"
)

const (
	attrCreate  = "create"
	attrContent = "content"
	attrDelete  = "delete"
	attrMode    = "mode"
	attrOwners  = "owners"
	attrGroups  = "groups"
	attrBackup  = "edit_backup"
	attrPerms   = "perms"

	defaultFileMode = 0644
)

// Files keeps file promises: existence, content, permissions and
// ownership. The promiser is the file path.
type Files struct {
	logger zerolog.Logger
}

// NewFiles creates a files handler.
func NewFiles(logger zerolog.Logger) *Files {
	return &Files{logger: logger.With().Str("handler", "files").Logger()}
}

// Type implements engine.Handler.
func (h *Files) Type() string { return "files" }

// fileState is the desired state read from an instance.
type fileState struct {
	path    string
	create  bool
	delete  bool
	content *string
	mode    *fs.FileMode
	uid     *int
	gid     *int
	backup  bool
}

// Evaluate compares the file with the promise and repairs it.
func (h *Files) Evaluate(_ context.Context, inst *engine.Instance) (engine.Outcome, error) {
	want, err := readFileState(inst)
	if err != nil {
		return engine.OutcomeNotKept, err
	}
	log := h.logger.With().Str("path", want.path).Logger()

	info, err := os.Lstat(want.path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return engine.OutcomeFailed, fmt.Errorf("failed to stat file: %w", err)
	}

	if want.delete {
		if !exists {
			return engine.OutcomeUnchanged, nil
		}
		if inst.DryRun {
			log.Warn().Msg("File should be deleted")
			return engine.OutcomeDenied, nil
		}
		if err := os.Remove(want.path); err != nil {
			return engine.OutcomeFailed, fmt.Errorf("failed to delete file: %w", err)
		}
		log.Info().Msg("Deleted file")
		return engine.OutcomeRepaired, nil
	}

	if exists && info.IsDir() {
		return engine.OutcomeNotKept, engine.NewPolicyError("promised file is a directory: "+want.path, nil).
			WithCode(engine.ErrCodeBadAttribute)
	}
	if !exists && !want.create {
		log.Warn().Msg("File does not exist and create is not set")
		return engine.OutcomeNotKept, nil
	}

	changes, err := fileChanges(want, info, exists)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	if len(changes) == 0 {
		return engine.OutcomeUnchanged, nil
	}
	if inst.DryRun {
		log.Warn().Strs("changes", changes).Msg("File is not compliant")
		return engine.OutcomeDenied, nil
	}

	if err := applyFile(want, exists); err != nil {
		return engine.OutcomeFailed, err
	}
	log.Info().Strs("changes", changes).Msg("Repaired file")
	return engine.OutcomeRepaired, nil
}

func readFileState(inst *engine.Instance) (*fileState, error) {
	want := &fileState{
		path:   inst.Promiser,
		create: inst.Bool(attrCreate, false),
		delete: inst.Bool(attrDelete, false),
		backup: inst.Bool(attrBackup, false),
	}
	if !filepath.IsAbs(want.path) {
		return nil, engine.NewPolicyError("file promiser must be an absolute path: "+want.path, nil).
			WithCode(engine.ErrCodeBadAttribute)
	}
	if v, ok := inst.Attributes[attrContent]; ok {
		s, ok := v.AsScalar()
		if !ok {
			return nil, engine.NewPolicyError("content must be a string", nil).WithCode(engine.ErrCodeBadAttribute)
		}
		want.content = &s
	}
	if want.delete && (want.create || want.content != nil) {
		return nil, engine.NewPolicyError("delete cannot be combined with create or content", nil).
			WithCode(engine.ErrCodeBadAttribute)
	}

	if v, ok := inst.Get(attrMode, attrPerms); ok {
		s, _ := v.AsScalar()
		m, err := strconv.ParseUint(s, 8, 32)
		if err != nil || m > 0o7777 {
			return nil, engine.NewPolicyError("invalid mode: "+s, err).WithCode(engine.ErrCodeBadAttribute)
		}
		mode := fs.FileMode(m)
		want.mode = &mode
	}
	if v, ok := inst.Get(attrOwners, attrPerms); ok {
		uid, err := lookupID(first(v), func(name string) (string, error) {
			u, err := user.Lookup(name)
			if err != nil {
				return "", err
			}
			return u.Uid, nil
		})
		if err != nil {
			return nil, engine.NewPolicyError("unknown owner", err).WithCode(engine.ErrCodeBadAttribute)
		}
		want.uid = &uid
	}
	if v, ok := inst.Get(attrGroups, attrPerms); ok {
		gid, err := lookupID(first(v), func(name string) (string, error) {
			g, err := user.LookupGroup(name)
			if err != nil {
				return "", err
			}
			return g.Gid, nil
		})
		if err != nil {
			return nil, engine.NewPolicyError("unknown group", err).WithCode(engine.ErrCodeBadAttribute)
		}
		want.gid = &gid
	}
	return want, nil
}

// first returns a scalar, or the first item of a list such as
// owners => { "root" }.
func first(v rval.Rval) string {
	if s, ok := v.AsScalar(); ok {
		return s
	}
	if items, ok := v.Strings(); ok && len(items) > 0 {
		return items[0]
	}
	return ""
}

// lookupID accepts a numeric id or a name resolved with lookup.
func lookupID(s string, lookup func(string) (string, error)) (int, error) {
	if id, err := strconv.Atoi(s); err == nil {
		return id, nil
	}
	id, err := lookup(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(id)
}

// fileChanges lists what differs between the file and the promise.
func fileChanges(want *fileState, info fs.FileInfo, exists bool) ([]string, error) {
	if !exists {
		return []string{"create"}, nil
	}

	var changes []string
	if want.content != nil {
		sum, err := fileChecksum(want.path)
		if err != nil {
			return nil, err
		}
		if sum != sha256.Sum256([]byte(*want.content)) {
			changes = append(changes, "content")
		}
	}
	if want.mode != nil && info.Mode().Perm()|info.Mode()&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky) != modeBits(*want.mode) {
		changes = append(changes, "mode")
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if want.uid != nil && int(stat.Uid) != *want.uid {
			changes = append(changes, "owner")
		}
		if want.gid != nil && int(stat.Gid) != *want.gid {
			changes = append(changes, "group")
		}
	}
	return changes, nil
}

// modeBits converts octal permission bits including setuid, setgid and
// sticky into an fs.FileMode.
func modeBits(m fs.FileMode) fs.FileMode {
	out := m & fs.ModePerm
	if m&0o4000 != 0 {
		out |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		out |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		out |= fs.ModeSticky
	}
	return out
}

func applyFile(want *fileState, exists bool) error {
	if err := os.MkdirAll(filepath.Dir(want.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	mode := fs.FileMode(defaultFileMode)
	if want.mode != nil {
		mode = modeBits(*want.mode)
	} else if exists {
		info, err := os.Stat(want.path)
		if err != nil {
			return fmt.Errorf("failed to stat file: %w", err)
		}
		mode = info.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	}

	switch {
	case want.content != nil:
		if exists {
			sum, err := fileChecksum(want.path)
			if err != nil {
				return err
			}
			if sum == sha256.Sum256([]byte(*want.content)) {
				break
			}
			if want.backup {
				if err := copyFile(want.path, want.path+".bak"); err != nil {
					return fmt.Errorf("failed to create backup: %w", err)
				}
			}
		}
		if err := writeFileAtomic(want.path, []byte(*want.content), mode); err != nil {
			return err
		}
	case !exists:
		f, err := os.OpenFile(want.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
	}

	if want.mode != nil {
		if err := os.Chmod(want.path, mode); err != nil {
			return fmt.Errorf("failed to set mode: %w", err)
		}
	}
	if want.uid != nil || want.gid != nil {
		uid, gid := -1, -1
		if want.uid != nil {
			uid = *want.uid
		}
		if want.gid != nil {
			gid = *want.gid
		}
		if err := os.Lchown(want.path, uid, gid); err != nil {
			return fmt.Errorf("failed to set ownership: %w", err)
		}
	}
	return nil
}

// writeFileAtomic replaces path through a temporary file in the same
// directory.
func writeFileAtomic(path string, content []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bytes.NewReader(content)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func fileChecksum(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("failed to read file: %w", err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
