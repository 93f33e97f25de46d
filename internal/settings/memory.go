package settings

import (
	"context"
	"sort"
	"sync"
)

// Memory — Store в памяти процесса. Используется, когда redis не настроен,
// и в тестах пакетов, которым нужны настройки.
type Memory struct {
	mu     sync.RWMutex
	auto   map[string]string
	notify map[string]map[string]struct{}
	banned map[string]struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		auto:   make(map[string]string),
		notify: make(map[string]map[string]struct{}),
		banned: make(map[string]struct{}),
	}
}

func (m *Memory) AutoAccount(_ context.Context, userID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.auto[userID]
	return id, ok, nil
}

func (m *Memory) SetAutoAccount(_ context.Context, userID, accountID string) error {
	if err := validID(userID, accountID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.auto[userID] = accountID
	return nil
}

func (m *Memory) DeleteAutoAccount(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.auto, userID)
	return nil
}

func (m *Memory) NotifyGroups(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedKeys(m.notify[userID]), nil
}

func (m *Memory) AddNotifyGroup(_ context.Context, userID, groupID string) error {
	if err := validID(userID, groupID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.notify[userID]
	if !ok {
		set = make(map[string]struct{})
		m.notify[userID] = set
	}
	set[groupID] = struct{}{}
	return nil
}

func (m *Memory) RemoveNotifyGroup(_ context.Context, userID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.notify[userID]
	delete(set, groupID)
	if len(set) == 0 {
		delete(m.notify, userID)
	}
	return nil
}

func (m *Memory) NotifyUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.notify))
	for uid := range m.notify {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) IsBanned(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.banned[userID]
	return ok, nil
}

func (m *Memory) Ban(_ context.Context, userID string) error {
	if err := validID(userID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.banned[userID] = struct{}{}
	return nil
}

func (m *Memory) Unban(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.banned, userID)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
