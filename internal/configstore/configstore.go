// Package configstore loads, validates, and persists BackendDefinitions,
// one .toml file per backend, under Layout.ServersDir().
package configstore

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mcpcenter/mcpcenter/internal/errs"
	"github.com/mcpcenter/mcpcenter/internal/layout"
)

const (
	idLength       = 8
	idAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxIDCollision = 16
)

// Store loads, validates, and persists BackendDefinitions.
type Store struct {
	layout *layout.Layout
}

// New returns a Store rooted at the given Layout.
func New(l *layout.Layout) *Store {
	return &Store{layout: l}
}

// LoadAll loads every BackendDefinition found under ServersDir, ignoring
// files whose extension is not .toml. The first file that fails to load
// aborts the whole load; its error carries the offending path.
func (s *Store) LoadAll() ([]*BackendDefinition, error) {
	files, err := s.layout.ListServerConfigFiles()
	if err != nil {
		return nil, err
	}
	defs := make([]*BackendDefinition, 0, len(files))
	for _, f := range files {
		def, _, err := loadFile(f)
		if err != nil {
			return nil, errs.Wrap(errs.ErrConfigParse, "loading "+f, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func loadFile(path string) (*BackendDefinition, map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ErrConfigIO, "reading "+path, err)
	}

	var def BackendDefinition
	if _, err := toml.Decode(string(raw), &def); err != nil {
		return nil, nil, errs.Wrap(errs.ErrConfigParse, "parsing "+path, err)
	}

	var generic map[string]any
	if _, err := toml.Decode(string(raw), &generic); err != nil {
		return nil, nil, errs.Wrap(errs.ErrConfigParse, "parsing "+path, err)
	}
	def.unknown = unknownFields(generic)
	return &def, generic, nil
}

// knownFields lists every TOML key the BackendDefinition struct decodes,
// used to split a generically-decoded document into known vs. unknown keys.
var knownFields = map[string]bool{
	"id": true, "name": true, "protocol": true, "enabled": true,
	"command": true, "args": true, "env": true,
	"endpoint": true, "headers": true,
	"created_at": true, "last_seen_at": true,
}

func unknownFields(generic map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range generic {
		if !knownFields[k] {
			out[k] = v
		}
	}
	return out
}

// AssignUniqueID picks an 8-character lowercase alphanumeric id, retrying
// on collision against existingIDs up to maxIDCollision times.
func AssignUniqueID(existingIDs map[string]bool) (string, error) {
	for attempt := 0; attempt < maxIDCollision; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", errs.Wrap(errs.ErrInternal, "generating random id", err)
		}
		if !existingIDs[id] {
			return id, nil
		}
	}
	return "", errs.NewError(errs.ErrConfigIDCollision, fmt.Sprintf("no unique id found after %d attempts", maxIDCollision), nil)
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// Validate checks name/transport invariants for a BackendDefinition.
func Validate(def *BackendDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errs.NewValidationError("name", "name must not be empty")
	}
	switch def.Transport {
	case TransportStdio:
		if strings.TrimSpace(def.Command) == "" {
			return errs.NewValidationError("command", "command must not be empty for stdio transport")
		}
	case TransportSSE, TransportStreamingHTTP:
		if err := validateEndpoint(def.Endpoint); err != nil {
			return err
		}
	default:
		return errs.NewValidationError("protocol", fmt.Sprintf("unknown transport %q", def.Transport))
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errs.NewValidationError("endpoint", "endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return errs.NewValidationError("endpoint", fmt.Sprintf("endpoint %q must be an absolute http(s) URL", endpoint))
	}
	return nil
}

// Save serializes def to its stable TOML form at ServersDir/<id>.toml,
// preserving any unknown fields captured at load time, and writes it
// atomically.
func (s *Store) Save(def *BackendDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	path := filepath.Join(s.layout.ServersDir(), def.ID+".toml")

	doc := map[string]any{}
	for k, v := range def.unknown {
		doc[k] = v
	}
	doc["id"] = def.ID
	doc["name"] = def.Name
	doc["protocol"] = string(def.Transport)
	doc["enabled"] = def.Enabled
	if def.Command != "" {
		doc["command"] = def.Command
	}
	if len(def.Args) > 0 {
		doc["args"] = def.Args
	}
	if len(def.Env) > 0 {
		doc["env"] = def.Env
	}
	if def.Endpoint != "" {
		doc["endpoint"] = def.Endpoint
	}
	if len(def.Headers) > 0 {
		doc["headers"] = def.Headers
	}
	if !def.CreatedAt.IsZero() {
		doc["created_at"] = def.CreatedAt
	}
	if !def.LastSeenAt.IsZero() {
		doc["last_seen_at"] = def.LastSeenAt
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return errs.Wrap(errs.ErrInternal, "encoding backend definition", err)
	}
	return layout.AtomicWrite(path, []byte(buf.String()))
}

// Delete removes the backend definition file for id.
func (s *Store) Delete(id string) error {
	path := filepath.Join(s.layout.ServersDir(), id+".toml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.ErrConfigIO, "removing "+path, err)
	}
	return nil
}

// NewBackendDefinition builds a BackendDefinition with timestamps and a
// freshly-assigned id, ready for Save.
func NewBackendDefinition(name string, transport Transport, existingIDs map[string]bool) (*BackendDefinition, error) {
	id, err := AssignUniqueID(existingIDs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &BackendDefinition{
		ID:         id,
		Name:       name,
		Transport:  transport,
		Enabled:    false,
		CreatedAt:  now,
		LastSeenAt: now,
	}, nil
}
