package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/liamcoop/shadow/rules"
)

var (
	// ErrExperimentNotFound is returned for experiments the manager does not know
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrExperimentExists is returned when creating an experiment twice
	ErrExperimentExists = errors.New("experiment already exists")
)

// Experiment is a registered experiment and its rule engine
type Experiment struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"createdAt"`
	Engine      *rules.Engine `json:"-"`
}

// Manager keeps one rules.Engine per registered experiment
type Manager struct {
	experiments map[string]*Experiment
	db          *sql.DB
	storeFor    func(experiment string) rules.RuleStore
	dropStore   func(experiment string)
	mu          sync.RWMutex
}

// NewManager creates a manager backed by PostgreSQL
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		experiments: make(map[string]*Experiment),
		db:          db,
		storeFor: func(experiment string) rules.RuleStore {
			return rules.NewPostgresRuleStore(db, experiment)
		},
	}
}

// NewInMemoryManager creates a manager whose experiments and rules live
// only in process memory
func NewInMemoryManager() *Manager {
	var mu sync.Mutex
	stores := make(map[string]rules.RuleStore)

	return &Manager{
		experiments: make(map[string]*Experiment),
		storeFor: func(experiment string) rules.RuleStore {
			mu.Lock()
			defer mu.Unlock()

			store, ok := stores[experiment]
			if !ok {
				store = rules.NewInMemoryRuleStore()
				stores[experiment] = store
			}
			return store
		},
		dropStore: func(experiment string) {
			mu.Lock()
			delete(stores, experiment)
			mu.Unlock()
		},
	}
}

// LoadAll loads every experiment from the database and compiles its rules
func (m *Manager) LoadAll() error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.Query(`
		SELECT name, description, created_at
		FROM experiments
		ORDER BY name
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch experiments: %w", err)
	}
	defer rows.Close()

	var loaded []*Experiment
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.Name, &e.Description, &e.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan experiment row: %w", err)
		}
		loaded = append(loaded, &e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating experiment rows: %w", err)
	}

	for _, e := range loaded {
		engine, err := rules.NewEngine(m.storeFor(e.Name))
		if err != nil {
			return fmt.Errorf("failed to initialize experiment %s: %w", e.Name, err)
		}
		e.Engine = engine
	}

	m.mu.Lock()
	for _, e := range loaded {
		m.experiments[e.Name] = e
	}
	m.mu.Unlock()

	return nil
}

// CreateExperiment registers a new experiment with an empty rule set
func (m *Manager) CreateExperiment(name, description string) (*Experiment, error) {
	if err := ValidateExperimentName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.experiments[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExperimentExists, name)
	}

	e := &Experiment{Name: name, Description: description, CreatedAt: time.Now()}
	if m.db != nil {
		err := m.db.QueryRow(`
			INSERT INTO experiments (name, description)
			VALUES ($1, $2)
			RETURNING created_at
		`, name, description).Scan(&e.CreatedAt)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrExperimentExists, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create experiment: %w", err)
		}
	}

	engine, err := rules.NewEngine(m.storeFor(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	e.Engine = engine

	m.experiments[name] = e
	return e, nil
}

// Get returns a registered experiment
func (m *Manager) Get(name string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.experiments[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, name)
	}
	return e, nil
}

// GetEngine retrieves the rule engine of an experiment
func (m *Manager) GetEngine(name string) (*rules.Engine, error) {
	e, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return e.Engine, nil
}

// Reload recompiles an experiment's rules from its store and atomically
// swaps the engine, so rules edited outside this process take effect
func (m *Manager) Reload(name string) error {
	current, err := m.Get(name)
	if err != nil {
		return err
	}

	engine, err := rules.NewEngine(m.storeFor(name))
	if err != nil {
		return fmt.Errorf("failed to rebuild engine: %w", err)
	}

	m.mu.Lock()
	m.experiments[name] = &Experiment{
		Name:        current.Name,
		Description: current.Description,
		CreatedAt:   current.CreatedAt,
		Engine:      engine,
	}
	m.mu.Unlock()

	return nil
}

// ListExperiments returns every registered experiment sorted by name
func (m *Manager) ListExperiments() []*Experiment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// DeleteExperiment removes an experiment and its rules. Published runs
// are kept.
func (m *Manager) DeleteExperiment(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.experiments[name]; !exists {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, name)
	}

	if m.db != nil {
		if _, err := m.db.Exec(`DELETE FROM experiments WHERE name = $1`, name); err != nil {
			return fmt.Errorf("failed to delete experiment: %w", err)
		}
	}

	if m.dropStore != nil {
		m.dropStore(name)
	}
	delete(m.experiments, name)
	return nil
}
