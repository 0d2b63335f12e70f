package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const stateFileName = "watch_state.json"

// CrawlerState contains the last run information for a crawler
type CrawlerState struct {
	LastRunTime         time.Time `json:"last_run_time"`
	LastRunSuccess      bool      `json:"last_run_success"`
	ReferencesProcessed int64     `json:"references_processed"`
	Stopped             bool      `json:"stopped,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}

// State is the persisted state of the watch scheduler
type State struct {
	LastRunTime time.Time               `json:"last_run_time"`
	RunCount    int                     `json:"run_count"`
	Crawlers    map[string]CrawlerState `json:"crawlers"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	stateDir  string
	statePath string
	state     State
	mu        sync.RWMutex
}

// NewStateManager creates a new state manager
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     State{Crawlers: make(map[string]CrawlerState)},
	}
}

// Load loads the state from disk. A missing file means a fresh state.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = State{Crawlers: make(map[string]CrawlerState)}
			return nil
		}
		return fmt.Errorf("%w: reading watch state: %w", utils.ErrFilesystem, err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("%w: parsing watch state: %w", utils.ErrParsing, err)
	}
	if m.state.Crawlers == nil {
		m.state.Crawlers = make(map[string]CrawlerState)
	}
	return nil
}

// Save saves the state to disk
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("%w: creating state directory: %w", utils.ErrFilesystem, err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding watch state: %w", utils.ErrParsing, err)
	}
	if err := os.WriteFile(m.statePath, data, 0644); err != nil {
		return fmt.Errorf("%w: writing watch state: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// RecordRun stores the outcome of one collector run started at runTime.
func (m *StateManager) RecordRun(runTime time.Time, crawlers map[string]CrawlerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LastRunTime = runTime
	m.state.RunCount++
	for id, cs := range crawlers {
		m.state.Crawlers[id] = cs
	}
}

// LastRun returns the start time of the last recorded run; zero if none.
func (m *StateManager) LastRun() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LastRunTime
}

// RunCount returns the number of recorded runs.
func (m *StateManager) RunCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RunCount
}

// GetCrawlerState returns the state for a specific crawler
func (m *StateManager) GetCrawlerState(id string) (CrawlerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Crawlers[id]
	return state, ok
}

// GetAllCrawlerStates returns a copy of all crawler states
func (m *StateManager) GetAllCrawlerStates() map[string]CrawlerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]CrawlerState, len(m.state.Crawlers))
	for k, v := range m.state.Crawlers {
		result[k] = v
	}
	return result
}
