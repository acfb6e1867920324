// Package persist holds the atomic-write and first-start bootstrap helpers
// shared by the registry and the host daemon's state directory: every
// durable write in this host goes through a temp-file-then-rename, never a
// direct write to the final path.
package persist

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nbot-dev/nbot/internal/hosterr"
)

// WriteJSONAtomic marshals v as indented JSON and writes it to path via a
// same-directory temp file plus rename, so a crash mid-write never leaves a
// truncated or partially-written file at path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return hosterr.Wrap(hosterr.IoError, "encoding "+path, err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path via a same-directory temp file plus
// rename.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hosterr.Wrap(hosterr.IoError, "creating directory for "+path, err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return hosterr.Wrap(hosterr.IoError, "writing temp file for "+path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return hosterr.Wrap(hosterr.IoError, "renaming temp file for "+path, err)
	}
	return nil
}

// ReadJSON reads and unmarshals path into v. A missing file is not an
// error; v is left untouched so the caller's zero value stands.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return hosterr.Wrap(hosterr.IoError, "reading "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return hosterr.Wrap(hosterr.IoError, "parsing "+path, err)
	}
	return nil
}

// EnsureAPIToken reads the admin API bearer token from path, generating and
// persisting a fresh random one on first start if the file doesn't exist
// yet.
func EnsureAPIToken(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		return string(trimNewline(b)), nil
	} else if !os.IsNotExist(err) {
		return "", hosterr.Wrap(hosterr.IoError, "reading api token", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", hosterr.Wrap(hosterr.IoError, "generating api token", err)
	}
	token := hex.EncodeToString(raw)
	if err := WriteFileAtomic(path, []byte(token+"\n")); err != nil {
		return "", err
	}
	return token, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
