package statelog

import (
	"encoding/json"
	"fmt"

	"github.com/xbus/xbus/internal/storekit"
)

// BadgerStore is the embedded state log, standing in for a durable
// relational log treated as an external collaborator.
type BadgerStore struct {
	db *storekit.DB
}

// Open opens a state log rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	db, err := storekit.Open(dir)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a volatile state log, used by tests.
func OpenInMemory() (*BadgerStore, error) {
	db, err := storekit.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func envelopeKey(id string) string { return "envelope:" + id }
func eventKey(envelopeID, eventID string) string { return "event:" + envelopeID + ":" + eventID }
func itemKey(eventID string, index int) string { return fmt.Sprintf("item:%s:%d", eventID, index) }

func (s *BadgerStore) SetEnvelopeState(envelopeID string, state State) error {
	return s.db.Set(envelopeKey(envelopeID), []byte(state))
}

// EnvelopeState reads back the persisted state, used by tests.
func (s *BadgerStore) EnvelopeState(envelopeID string) (State, bool, error) {
	v, ok, err := s.db.Get(envelopeKey(envelopeID))
	if err != nil || !ok {
		return "", ok, err
	}
	return State(v), true, nil
}

func (s *BadgerStore) PutEvent(counts EventCounts) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return s.db.Set(eventKey(counts.EnvelopeID, counts.EventID), data)
}

func (s *BadgerStore) SetEventNbItems(envelopeID, eventID string, nbItems int) error {
	key := eventKey(envelopeID, eventID)
	raw, ok, err := s.db.Get(key)
	if err != nil {
		return err
	}
	var counts EventCounts
	if ok {
		if err := json.Unmarshal(raw, &counts); err != nil {
			return err
		}
	} else {
		counts = EventCounts{EnvelopeID: envelopeID, EventID: eventID}
	}
	counts.NbItems = nbItems
	return s.PutEvent(counts)
}

func (s *BadgerStore) PutItem(eventID string, index int, data []byte) error {
	return s.db.Set(itemKey(eventID, index), data)
}

func (s *BadgerStore) Close() error { return s.db.Close() }
