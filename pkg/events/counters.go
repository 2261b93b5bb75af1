package events

import (
	"sort"
	"sync"
)

// Counters - агрегатор счетчиков по видам и типам объектов
// Заполняется обработчиком CounterEvent контроллера
type Counters struct {
	mu     sync.Mutex
	counts map[CounterType]map[string]int64
}

// NewCounters создает пустой агрегатор
func NewCounters() *Counters {
	return &Counters{counts: make(map[CounterType]map[string]int64)}
}

// Add прибавляет приращения события
func (c *Counters) Add(e CounterEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName, ok := c.counts[e.Type]
	if !ok {
		byName = make(map[string]int64)
		c.counts[e.Type] = byName
	}
	for name, n := range e.Counts {
		byName[name] += n
	}
}

// Get возвращает значение счетчика для типа объекта
func (c *Counters) Get(t CounterType, name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t][name]
}

// Total возвращает сумму по всем типам объектов
func (c *Counters) Total(t CounterType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, v := range c.counts[t] {
		n += v
	}
	return n
}

// Snapshot возвращает копию счетчиков вида t
func (c *Counters) Snapshot(t CounterType) map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counts[t]))
	for name, n := range c.counts[t] {
		out[name] = n
	}
	return out
}

// Names возвращает отсортированные имена типов объектов вида t
func (c *Counters) Names(t CounterType) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.counts[t]))
	for name := range c.counts[t] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset обнуляет все счетчики
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[CounterType]map[string]int64)
}

// Types возвращает виды счетчиков, по которым есть значения, по возрастанию
func (c *Counters) Types() []CounterType {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]CounterType, 0, len(c.counts))
	for t := range c.counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Merge прибавляет значения другого агрегатора
func (c *Counters) Merge(other *Counters) {
	for _, t := range other.Types() {
		c.Add(CounterEvent{Type: t, Counts: other.Snapshot(t)})
	}
}
