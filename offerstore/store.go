// Package offerstore keeps the open bazaar orders of one owner.
package offerstore

import (
	"sync"

	"github.com/recomma/flipledger/bazaar"
)

// Store is the open order list of a single owner. Every mutation takes the
// store mutex so chat lines of one batch may be applied concurrently.
type Store struct {
	mu     sync.Mutex
	offers []bazaar.Offer
}

// New returns a store seeded with a copy of offers.
func New(offers []bazaar.Offer) *Store {
	s := &Store{}
	s.offers = cloneAll(offers)
	return s
}

// List returns a deep copy of the current offers.
func (s *Store) List() []bazaar.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.offers)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

// Replace swaps in a new offer list and returns the previous one.
func (s *Store) Replace(offers []bazaar.Offer) []bazaar.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.offers
	s.offers = cloneAll(offers)
	return prev
}

// Add appends an offer.
func (s *Store) Add(offer bazaar.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, offer.Clone())
}

// Find returns the first offer matching pred.
func (s *Store) Find(pred func(bazaar.Offer) bool) (bazaar.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.offers {
		if pred(o) {
			return o.Clone(), true
		}
	}
	return bazaar.Offer{}, false
}

// Remove deletes the first offer matching pred and returns it.
func (s *Store) Remove(pred func(bazaar.Offer) bool) (bazaar.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.offers {
		if pred(o) {
			s.offers = append(s.offers[:i:i], s.offers[i+1:]...)
			return o, true
		}
	}
	return bazaar.Offer{}, false
}

// Update applies fn to the first offer matching pred, in place, and returns
// the updated copy.
func (s *Store) Update(pred func(bazaar.Offer) bool, fn func(*bazaar.Offer)) (bazaar.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.offers {
		if pred(s.offers[i]) {
			fn(&s.offers[i])
			return s.offers[i].Clone(), true
		}
	}
	return bazaar.Offer{}, false
}

// Match selects offers by side, item display name and amount.
func Match(side bazaar.Side, itemName string, amount int64) func(bazaar.Offer) bool {
	name := bazaar.StripMarkup(itemName)
	return func(o bazaar.Offer) bool {
		return o.Side == side && o.Amount == amount && bazaar.StripMarkup(o.ItemName) == name
	}
}

// MatchTotal selects offers of a side whose full value equals total.
func MatchTotal(side bazaar.Side, itemName string, total bazaar.Tenths) func(bazaar.Offer) bool {
	name := bazaar.StripMarkup(itemName)
	return func(o bazaar.Offer) bool {
		return o.Side == side && o.Total() == total && (name == "" || bazaar.StripMarkup(o.ItemName) == name)
	}
}

func cloneAll(offers []bazaar.Offer) []bazaar.Offer {
	if offers == nil {
		return nil
	}
	out := make([]bazaar.Offer, len(offers))
	for i, o := range offers {
		out[i] = o.Clone()
	}
	return out
}
