package statemanager

import (
	"sync"
	"time"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/models"
	"zone-grid-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// StateSaver is the part of the repository the manager writes to.
type StateSaver interface {
	SaveState(state *models.RuntimeState) error
}

var _ StateSaver = (persistence.Repository)(nil)

// StateManager folds bus events into a RuntimeState and persists snapshots.
// All mutations happen on the event loop, so they are processed serially.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.RuntimeState
	repo            StateSaver
	eventChannel    chan events.Event
	persistenceChan chan *models.RuntimeState
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
	unsubscribe     func()
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. initialState may be nil.
func NewStateManager(initialState *models.RuntimeState, repo StateSaver, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.RuntimeState{State: models.StateStopped}
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan events.Event, 1024),
		persistenceChan: make(chan *models.RuntimeState, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the event processing and persistence loops.
// When bus is non-nil the manager subscribes to it.
func (sm *StateManager) Start(bus *events.Bus) {
	var busChan <-chan events.Event
	if bus != nil {
		busChan, sm.unsubscribe = bus.Subscribe(1024)
	}
	sm.wg.Add(2)
	go sm.eventLoop(busChan)
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop shuts down both loops, flushing snapshots already queued for persistence.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		if sm.unsubscribe != nil {
			sm.unsubscribe()
		}
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Info("StateManager stopped.")
	})
}

// Publish sends an event straight to the manager, bypassing the bus.
func (sm *StateManager) Publish(event events.Event) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.RuntimeState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return deepCopy(sm.state)
}

func deepCopy(s *models.RuntimeState) *models.RuntimeState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Inventory != nil {
		cp.Inventory = make(map[string]float64, len(s.Inventory))
		for k, v := range s.Inventory {
			cp.Inventory[k] = v
		}
	}
	if s.Levels != nil {
		cp.Levels = make([]models.GridLevel, len(s.Levels))
		copy(cp.Levels, s.Levels)
	}
	return &cp
}

func (sm *StateManager) eventLoop(busChan <-chan events.Event) {
	defer sm.wg.Done()
	for {
		select {
		case event, ok := <-busChan:
			if !ok {
				busChan = nil
				continue
			}
			sm.processEvent(event)
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.save(stateToSave)
		case <-sm.stopChan:
			for {
				select {
				case stateToSave := <-sm.persistenceChan:
					sm.save(stateToSave)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) save(state *models.RuntimeState) {
	if sm.repo == nil {
		return
	}
	if err := sm.repo.SaveState(state); err != nil {
		sm.logger.Error("failed to save runtime state", zap.Error(err))
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event events.Event) {
	sm.mu.Lock()
	switch data := event.Data.(type) {
	case events.StateChangeData:
		sm.state.State = data.To
		if data.To != models.StateError {
			sm.state.LastError = ""
		}
	case events.PnLData:
		sm.state.PnL = models.PnL{Realized: data.Realized, Unrealized: data.Unrealized}
	case events.InventoryData:
		sm.state.Inventory = make(map[string]float64, len(data))
		for k, v := range data {
			sm.state.Inventory[k] = v
		}
	case events.LevelsData:
		sm.state.Levels = make([]models.GridLevel, len(data.Levels))
		copy(sm.state.Levels, data.Levels)
	case events.ErrorData:
		sm.state.LastError = data.Message
	case events.ZoneToggleData:
		// levels_update follows with the new level states
	default:
		sm.logger.Warn("unexpected event payload", zap.String("type", string(event.Type)))
		sm.mu.Unlock()
		return
	}
	sm.state.LastUpdateTime = event.Timestamp
	if sm.state.LastUpdateTime.IsZero() {
		sm.state.LastUpdateTime = time.Now()
	}
	snapshot := deepCopy(sm.state)
	sm.mu.Unlock()

	select {
	case sm.persistenceChan <- snapshot:
	default:
		sm.logger.Warn("persistence queue full, snapshot skipped")
	}
}
