package state

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rxtech-lab/tradecore/internal/session"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// WriteFile YAML-encodes blob and writes it to path, creating parent
// directories as needed. mode selects the workspace.auto_save_mode
// behaviour: "overwrite" always writes path directly; "increment" writes
// a new path suffixed with the blob's timestamp instead, so successive
// autosaves never clobber one another.
func WriteFile(blob Blob, path, mode string) (string, error) {
	if mode == "increment" {
		ext := filepath.Ext(path)
		base := path[:len(path)-len(ext)]
		path = fmt.Sprintf("%s.%s%s", base, blob.Timestamp.UTC().Format("20060102T150405"), ext)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", terrors.Wrap(terrors.ErrCodeStatePersistFailed, "creating state directory", err)
	}

	data, err := yaml.Marshal(blob)
	if err != nil {
		return "", terrors.Wrap(terrors.ErrCodeStatePersistFailed, "encoding state blob", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", terrors.Wrap(terrors.ErrCodeStatePersistFailed, "writing state file", err)
	}

	return path, nil
}

// ReadFile loads and YAML-decodes a Blob from path. Restore is tolerant of
// missing optional keys by construction: every field in Blob/ContextBlob
// simply keeps its Go zero value when absent from the document.
func ReadFile(path string) (Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blob{}, terrors.Wrap(terrors.ErrCodeStateRestoreFailed, "reading state file", err)
	}

	var blob Blob
	if err := yaml.Unmarshal(data, &blob); err != nil {
		return Blob{}, terrors.Wrap(terrors.ErrCodeStateRestoreFailed, "decoding state blob", err)
	}

	return blob, nil
}

// NewSnapshotter returns a closure matching the scheduler's
// Snapshotter func(reason string) error signature by structural, not
// named, assignability: internal/state never imports internal/scheduler,
// keeping the dependency one-directional. It stamps each snapshot with
// sess.Clock().Now(), saves a Blob, and writes it to path under
// workspace.auto_save_mode.
func NewSnapshotter(sess *session.Session, path string) func(reason string) error {
	return func(reason string) error {
		blob := Save(sess, sess.Clock().Now())

		mode := sess.Config().Workspace.AutoSaveMode
		if _, err := WriteFile(blob, path, mode); err != nil {
			return err
		}

		sess.Logger().Info("wrote state snapshot", zap.String("reason", reason), zap.String("path", path))

		return nil
	}
}
