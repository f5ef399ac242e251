package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mitchellh/hashstructure"
)

type Hashable interface {
	Hash() string
}

type Identifier interface {
	ID() string
}

type (
	// Set keeps unique elements keyed by their ID, Hash or structural hash.
	Set[T comparable] struct {
		hash     map[string]nothing
		storage  map[string]T
		funcHash func(T) string
	}

	nothing struct{}
)

// Create a new set
func NewSet[T comparable](initial ...T) *Set[T] {
	s := &Set[T]{
		hash:    make(map[string]nothing),
		storage: make(map[string]T),
	}

	for _, v := range initial {
		s.Insert(v)
	}

	return s
}

func (st *Set[T]) WithHasher(f func(T) string) *Set[T] {
	st.funcHash = f

	return st
}

func (st *Set[T]) Hash(elem T) string {
	if st.funcHash != nil {
		return st.funcHash(elem)
	}

	if hashable, yes := any(elem).(Hashable); yes {
		return hashable.Hash()
	}

	if identifiable, yes := any(elem).(Identifier); yes {
		return identifiable.ID()
	}

	uniqueHash, err := hashstructure.Hash(elem, nil)
	if err != nil {
		return fmt.Sprint(elem)
	}

	return fmt.Sprintf("%d", uniqueHash)
}

// Test to see whether or not the element is in the set
func (st *Set[T]) Exists(element T) bool {
	_, exists := st.hash[st.Hash(element)]
	return exists
}

// ExistsKey looks an element up by its precomputed hash or ID.
func (st *Set[T]) ExistsKey(key string) bool {
	_, exists := st.hash[key]
	return exists
}

// Add an element to the set
func (st *Set[T]) Insert(elements ...T) {
	for _, elem := range elements {
		hash := st.Hash(elem)
		if _, exists := st.hash[hash]; exists {
			continue
		}

		st.hash[hash] = nothing{}
		st.storage[hash] = elem
	}
}

// Return the number of items in the set
func (st *Set[T]) Len() int {
	return len(st.hash)
}

// Array returns the elements ordered by their hash key, so iteration order is stable.
func (st *Set[T]) Array() []T {
	keys := make([]string, 0, len(st.storage))
	for key := range st.storage {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	arr := make([]T, 0, len(keys))
	for _, key := range keys {
		arr = append(arr, st.storage[key])
	}

	return arr
}

func (st *Set[T]) String() string {
	values := []string{}

	for _, value := range st.Array() {
		values = append(values, fmt.Sprint(value))
	}

	return fmt.Sprintf("[%s]", strings.Join(values, ", "))
}

func (st *Set[T]) UnmarshalJSON(data []byte) error {
	// to init underlying field during unmarshalling
	*st = *NewSet[T]()
	arr := []T{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}

	st.Insert(arr...)
	return nil
}

func (st *Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(st.Array())
}
