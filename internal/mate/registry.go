// Package mate manages named, claimable worker identities. Each mate is one
// YAML file guarded during mutation by a sibling advisory lock file; a dead
// claiming process is detected and reclaimed outright rather than waiting on
// any TTL.
package mate

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/flotillahq/flotilla/internal/lock"
	"github.com/flotillahq/flotilla/internal/model"
	flotyaml "github.com/flotillahq/flotilla/internal/yaml"
)

const matesDirName = "mates"

// Mate states.
const (
	StateAvailable = "available"
	StateClaimed   = "claimed"
	StateSailing   = "sailing"
)

// ErrMateNotFound is returned when no record exists for the name.
var ErrMateNotFound = errors.New("mate not found")

// ClaimedError is returned when the mate is claimed by a live process.
type ClaimedError struct {
	Name      string
	HolderPID int
	Session   string
}

func (e *ClaimedError) Error() string {
	return fmt.Sprintf("mate %s is claimed by live pid %d", e.Name, e.HolderPID)
}

// Mate is a long-lived worker identity, distinct from a run claim.
type Mate struct {
	Name             string  `yaml:"name"`
	State            string  `yaml:"state"`
	AssignedPlan     *string `yaml:"assigned_plan,omitempty"`
	ClaimedBy        *int    `yaml:"claimed_by,omitempty"`
	ClaimedBySession *string `yaml:"claimed_by_session,omitempty"`
	ClaimedAt        *string `yaml:"claimed_at,omitempty"`
	CreatedAt        string  `yaml:"created_at"`
	UpdatedAt        string  `yaml:"updated_at"`
}

// Registry reads and mutates mate records.
type Registry struct {
	flotillaDir string
	lockTimeout time.Duration
	staleWindow time.Duration
	now         func() time.Time
	alive       func(pid int) bool
}

func NewRegistry(flotillaDir string, lockTimeout, staleWindow time.Duration) *Registry {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	if staleWindow <= 0 {
		staleWindow = 2 * time.Hour
	}
	return &Registry{
		flotillaDir: flotillaDir,
		lockTimeout: lockTimeout,
		staleWindow: staleWindow,
		now:         time.Now,
		alive:       lock.ProcessAlive,
	}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithLivenessProbe overrides the process liveness seam.
func (r *Registry) WithLivenessProbe(alive func(pid int) bool) *Registry {
	r.alive = alive
	return r
}

func (r *Registry) Dir() string {
	return filepath.Join(r.flotillaDir, matesDirName)
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.Dir(), name+".yaml")
}

func (r *Registry) lockPath(name string) string {
	return filepath.Join(r.Dir(), name+".lock")
}

// Register creates a new available mate.
func (r *Registry) Register(name string) (*Mate, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, &model.ValidationError{Field: "name", Msg: fmt.Sprintf("invalid mate name %q", name)}
	}
	if err := os.MkdirAll(r.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("create mates dir: %w", err)
	}

	var mate *Mate
	err := r.withLock(name, func() error {
		if _, err := os.Stat(r.path(name)); err == nil {
			return fmt.Errorf("mate %s already exists", name)
		}
		at := r.now().UTC().Format(time.RFC3339)
		mate = &Mate{
			Name:      name,
			State:     StateAvailable,
			CreatedAt: at,
			UpdatedAt: at,
		}
		return flotyaml.AtomicWrite(r.path(name), mate)
	})
	if err != nil {
		return nil, err
	}
	return mate, nil
}

// Load reads a mate record without locking.
func (r *Registry) Load(name string) (*Mate, error) {
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("mate %s: %w", name, ErrMateNotFound)
		}
		return nil, fmt.Errorf("read mate %s: %w", name, err)
	}
	var mate Mate
	if err := yamlv3.Unmarshal(data, &mate); err != nil {
		return nil, fmt.Errorf("parse mate %s: %w", name, err)
	}
	return &mate, nil
}

// List returns all mates sorted by name, skipping unreadable records.
func (r *Registry) List() ([]*Mate, error) {
	entries, err := os.ReadDir(r.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mates dir: %w", err)
	}
	var mates []*Mate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".bak") {
			continue
		}
		mate, err := r.Load(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			log.Printf("warning: cannot read mate %s: %v", name, err)
			continue
		}
		mates = append(mates, mate)
	}
	sort.Slice(mates, func(i, j int) bool { return mates[i].Name < mates[j].Name })
	return mates, nil
}

// Claim binds the mate to a process and session. Refused while claimed by a
// live process; a dead holder is reclaimed outright, no GC pass required.
func (r *Registry) Claim(name string, pid int, session string) (*Mate, error) {
	var claimed *Mate
	err := r.withLock(name, func() error {
		mate, err := r.Load(name)
		if err != nil {
			return err
		}

		if mate.ClaimedBy != nil {
			if r.alive(*mate.ClaimedBy) {
				return &ClaimedError{Name: name, HolderPID: *mate.ClaimedBy, Session: deref(mate.ClaimedBySession)}
			}
			log.Printf("reclaiming mate %s from dead pid %d", name, *mate.ClaimedBy)
		}

		at := r.now().UTC().Format(time.RFC3339)
		mate.State = StateClaimed
		mate.ClaimedBy = &pid
		mate.ClaimedBySession = &session
		mate.ClaimedAt = &at
		mate.UpdatedAt = at
		if err := flotyaml.AtomicWrite(r.path(name), mate); err != nil {
			return err
		}
		claimed = mate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release returns the mate to the available pool.
func (r *Registry) Release(name string) error {
	return r.withLock(name, func() error {
		mate, err := r.Load(name)
		if err != nil {
			return err
		}
		mate.State = StateAvailable
		mate.AssignedPlan = nil
		mate.ClaimedBy = nil
		mate.ClaimedBySession = nil
		mate.ClaimedAt = nil
		mate.UpdatedAt = r.now().UTC().Format(time.RFC3339)
		return flotyaml.AtomicWrite(r.path(name), mate)
	})
}

// Assign marks a claimed mate as sailing on a plan.
func (r *Registry) Assign(name, planPath string) error {
	return r.withLock(name, func() error {
		mate, err := r.Load(name)
		if err != nil {
			return err
		}
		if mate.ClaimedBy == nil {
			return fmt.Errorf("mate %s is not claimed", name)
		}
		mate.State = StateSailing
		mate.AssignedPlan = &planPath
		mate.UpdatedAt = r.now().UTC().Format(time.RFC3339)
		return flotyaml.AtomicWrite(r.path(name), mate)
	})
}

// Touch refreshes the session heartbeat so the mate is not judged stale.
func (r *Registry) Touch(name string) error {
	return r.withLock(name, func() error {
		mate, err := r.Load(name)
		if err != nil {
			return err
		}
		mate.UpdatedAt = r.now().UTC().Format(time.RFC3339)
		return flotyaml.AtomicWrite(r.path(name), mate)
	})
}

// IsStale reports whether a claimed mate's holder is dead OR its session has
// not been touched within the staleness window. Either condition alone
// suffices. An unclaimed mate is never stale.
func (r *Registry) IsStale(mate *Mate) bool {
	if mate.ClaimedBy == nil {
		return false
	}
	if !r.alive(*mate.ClaimedBy) {
		return true
	}
	touched, err := time.Parse(time.RFC3339, mate.UpdatedAt)
	if err != nil {
		return true
	}
	return r.now().Sub(touched) > r.staleWindow
}

// GC releases every stale mate and returns the released names.
func (r *Registry) GC() ([]string, error) {
	mates, err := r.List()
	if err != nil {
		return nil, err
	}
	var released []string
	for _, mate := range mates {
		if !r.IsStale(mate) {
			continue
		}
		if err := r.Release(mate.Name); err != nil {
			log.Printf("warning: gc release mate %s: %v", mate.Name, err)
			continue
		}
		released = append(released, mate.Name)
	}
	sort.Strings(released)
	return released, nil
}

// withLock guards a record mutation with the mate's sibling lock file.
func (r *Registry) withLock(name string, fn func() error) error {
	if err := os.MkdirAll(r.Dir(), 0755); err != nil {
		return fmt.Errorf("create mates dir: %w", err)
	}
	lf := lock.NewLockFile(r.lockPath(name))
	if err := lf.Acquire(r.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if err := lf.Release(); err != nil {
			log.Printf("warning: release mate lock %s: %v", name, err)
		}
	}()
	return fn()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
