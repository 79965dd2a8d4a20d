package device

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"foresta.dev/guardian/internal/protocol"
)

// ErrNoState is returned by Load before the first boot has been persisted.
var ErrNoState = errors.New("no device state")

// Identity is generated once at first boot and never changes.
type Identity struct {
	HardwareID        string `yaml:"hardware_id"`
	RegistrationToken string `yaml:"registration_token"`
}

// NewIdentity derives a fresh hardware identity and registration secret.
func NewIdentity() Identity {
	return Identity{
		HardwareID:        uuid.NewString(),
		RegistrationToken: rand.Text(),
	}
}

// State is everything a device must remember across restarts.
type State struct {
	Identity Identity                  `yaml:"identity"`
	Mode     Mode                      `yaml:"mode"`
	Config   *protocol.OperatingConfig `yaml:"config,omitempty"`

	// LastAcknowledged is the device timestamp of the newest message the gateway accepted.
	LastAcknowledged time.Time `yaml:"last_acknowledged,omitempty"`

	// WindowAcknowledged closes the last periodic window the gateway accepted.
	WindowAcknowledged time.Time `yaml:"window_acknowledged,omitempty"`

	UpdatedAt time.Time `yaml:"updated_at"`
}

// StateFile persists State as YAML. Saves replace the file atomically.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// NewStateFile returns a StateFile at path.
func NewStateFile(path string) (*StateFile, error) {
	if path == "" {
		return nil, errors.New("state file path cannot be empty")
	}
	return &StateFile{path: path}, nil
}

// Path returns the backing file.
func (f *StateFile) Path() string {
	return f.path
}

// Load reads the persisted state. It returns ErrNoState when nothing was saved yet.
func (f *StateFile) Load() (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if s.Identity.HardwareID == "" {
		return nil, fmt.Errorf("state file %s has no hardware id", f.path)
	}
	if s.Mode == "" {
		s.Mode = ModeUnregistered
	}
	return &s, nil
}

// Save writes s through a synced temporary file renamed over the state file.
func (f *StateFile) Save(s *State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
