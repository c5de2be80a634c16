package metadata

import (
	"encoding/json"
	"sort"

	"github.com/xbus/xbus/internal/storekit"
)

// BadgerStore is the embedded metadata store.
type BadgerStore struct {
	db *storekit.DB
}

// Open opens a metadata store rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	db, err := storekit.Open(dir)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a volatile metadata store, used by tests.
func OpenInMemory() (*BadgerStore, error) {
	db, err := storekit.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func roleKey(login string) string          { return "role:" + login }
func eventTypeKey(name string) string      { return "eventtype:" + name }
func nodeGraphKey(typeID string) string    { return "graph:" + typeID }
func consumerRolesKey(svc string) string   { return "consumerroles:" + svc }

func (s *BadgerStore) Role(login string) (Role, bool, error) {
	data, ok, err := s.db.Get(roleKey(login))
	if err != nil || !ok {
		return Role{}, ok, err
	}
	var r Role
	if err := json.Unmarshal(data, &r); err != nil {
		return Role{}, false, err
	}
	return r, true, nil
}

func (s *BadgerStore) PutRole(r Role) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Set(roleKey(r.Login), data)
}

func (s *BadgerStore) EventTypeID(name string) (string, bool, error) {
	data, ok, err := s.db.Get(eventTypeKey(name))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

func (s *BadgerStore) PutEventType(name, id string) error {
	return s.db.Set(eventTypeKey(name), []byte(id))
}

func (s *BadgerStore) NodeGraph(typeID string) ([]NodeRow, error) {
	data, ok, err := s.db.Get(nodeGraphKey(typeID))
	if err != nil || !ok {
		return nil, err
	}
	var rows []NodeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].IsStart && !rows[j].IsStart
	})
	return rows, nil
}

func (s *BadgerStore) PutNodeGraph(typeID string, rows []NodeRow) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return s.db.Set(nodeGraphKey(typeID), data)
}

func (s *BadgerStore) ConsumerRoles(serviceID string) ([]string, error) {
	data, ok, err := s.db.Get(consumerRolesKey(serviceID))
	if err != nil || !ok {
		return nil, err
	}
	var roles []string
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *BadgerStore) PutConsumerRoles(serviceID string, roleIDs []string) error {
	data, err := json.Marshal(roleIDs)
	if err != nil {
		return err
	}
	return s.db.Set(consumerRolesKey(serviceID), data)
}

func (s *BadgerStore) Close() error { return s.db.Close() }
