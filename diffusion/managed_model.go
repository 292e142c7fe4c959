package diffusion

import (
	"context"
	"fmt"
	"sync"

	onnx "github.com/yalue/onnxruntime_go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ModelState is either Unloaded or Loaded. There is no Failed state: a
// failed load is reported to the caller as an ErrLoadFailed error and
// leaves the state Unloaded, so a failure does not poison the instance.
type ModelState int

const (
	StateUnloaded ModelState = iota
	StateLoaded
)

func (s ModelState) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// onnxSession narrows *onnx.DynamicAdvancedSession to what ManagedModel
// actually calls, so tests can substitute a fake session instead of loading
// a real onnxruntime shared library.
type onnxSession interface {
	Run(inputs, outputs []onnx.Value) error
	Destroy() error
}

// sessionFactory builds the backing ONNX session for a ManagedModel; each
// concrete model (TextEncoder, U-Net, ...) supplies its own factory bound
// to its artifact path and declared I/O names.
type sessionFactory func(b *Backend) (onnxSession, error)

// ManagedModel is a scoped load/unload wrapper around one inference
// artifact with guaranteed release and serialized predictions. All
// predictions against one artifact are serialized through a weighted
// semaphore of capacity 1 — concurrent callers queue rather than race the
// underlying onnxruntime session, which is not safe for concurrent Run
// calls.
type ManagedModel struct {
	name    string
	backend *Backend
	factory sessionFactory

	mu      sync.Mutex
	state   ModelState
	session onnxSession

	sem *semaphore.Weighted
	log *logrus.Entry
}

func newManagedModel(name string, backend *Backend, factory sessionFactory) *ManagedModel {
	return &ManagedModel{
		name:    name,
		backend: backend,
		factory: factory,
		sem:     semaphore.NewWeighted(1),
		log:     logrus.WithField("model", name),
	}
}

// State reports the current lifecycle state.
func (m *ManagedModel) State() ModelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load transitions Unloaded -> Loaded. A LoadFailed error leaves the state
// Unloaded so a later call can retry.
func (m *ManagedModel) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *ManagedModel) loadLocked() error {
	if m.state == StateLoaded {
		return nil
	}
	sess, err := m.factory(m.backend)
	if err != nil {
		m.log.WithError(err).Warn("model load failed")
		return wrapLoad(m.name, err)
	}
	m.session = sess
	m.state = StateLoaded
	m.log.Debug("model loaded")
	return nil
}

// Unload releases the underlying session, if any. Idempotent.
func (m *ManagedModel) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadLocked()
}

func (m *ManagedModel) unloadLocked() {
	if m.state != StateLoaded {
		return
	}
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	m.state = StateUnloaded
	m.log.Debug("model unloaded")
}

// Perform runs f against the loaded session, loading on demand, serialized
// through the single-consumer semaphore so concurrent callers wait their
// turn rather than racing onnxruntime.
func (m *ManagedModel) Perform(ctx context.Context, f func(onnxSession) error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("diffusion: acquire %s: %w", m.name, err)
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	if m.state != StateLoaded {
		if err := m.loadLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	sess := m.session
	m.mu.Unlock()

	if err := f(sess); err != nil {
		return wrapInference(m.name, err)
	}
	return nil
}

// Prewarm loads then immediately unloads, populating the backend's
// on-disk compilation caches without keeping the artifact resident.
func (m *ManagedModel) Prewarm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return err
	}
	m.unloadLocked()
	return nil
}
