package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Пространства имен CityGML 2.0
const (
	NamespaceCore           = "http://www.opengis.net/citygml/2.0"
	NamespaceBuilding       = "http://www.opengis.net/citygml/building/2.0"
	NamespaceBridge         = "http://www.opengis.net/citygml/bridge/2.0"
	NamespaceTunnel         = "http://www.opengis.net/citygml/tunnel/2.0"
	NamespaceTransportation = "http://www.opengis.net/citygml/transportation/2.0"
	NamespaceVegetation     = "http://www.opengis.net/citygml/vegetation/2.0"
	NamespaceWaterBody      = "http://www.opengis.net/citygml/waterbody/2.0"
	NamespaceLandUse        = "http://www.opengis.net/citygml/landuse/2.0"
	NamespaceRelief         = "http://www.opengis.net/citygml/relief/2.0"
	NamespaceFurniture      = "http://www.opengis.net/citygml/cityfurniture/2.0"
	NamespaceGroup          = "http://www.opengis.net/citygml/cityobjectgroup/2.0"
	NamespaceGeneric        = "http://www.opengis.net/citygml/generics/2.0"
)

// FeatureType описывает класс объекта (objectclass в таблице OBJECTCLASS)
type FeatureType struct {
	ID        int          // objectclass_id
	Name      string       // локальное имя элемента, например "Building"
	Namespace string       // пространство имен модуля CityGML
	Prefix    string       // префикс для сериализации, например "bldg"
	Super     *FeatureType // родительский тип (nil для корня)
	TopLevel  bool         // может ли быть cityObjectMember
	Abstract  bool
}

// QualifiedName возвращает имя с префиксом, например "bldg:Building"
func (f *FeatureType) QualifiedName() string {
	if f.Prefix == "" {
		return f.Name
	}
	return f.Prefix + ":" + f.Name
}

// IsSubtypeOf проверяет, что f равен other или наследуется от него
func (f *FeatureType) IsSubtypeOf(other *FeatureType) bool {
	for t := f; t != nil; t = t.Super {
		if t == other {
			return true
		}
	}
	return false
}

func (f *FeatureType) String() string {
	return fmt.Sprintf("%s(%d)", f.QualifiedName(), f.ID)
}

// depth - расстояние до корня иерархии
func (f *FeatureType) depth() int {
	d := 0
	for t := f.Super; t != nil; t = t.Super {
		d++
	}
	return d
}

// Registry - отображение objectclass_id -> FeatureType
// Потокобезопасен: регистрация ADE типов может происходить параллельно с чтением
type Registry struct {
	mu     sync.RWMutex
	byID   map[int]*FeatureType
	byName map[string]*FeatureType
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int]*FeatureType),
		byName: make(map[string]*FeatureType),
	}
}

// Register добавляет тип в реестр
func (r *Registry) Register(ft *FeatureType) error {
	if ft == nil {
		return fmt.Errorf("feature type is nil")
	}
	if ft.Name == "" {
		return fmt.Errorf("feature type name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[ft.ID]; ok {
		return fmt.Errorf("objectclass id %d already registered as %s", ft.ID, existing.Name)
	}
	r.byID[ft.ID] = ft
	r.byName[strings.ToLower(ft.Name)] = ft
	return nil
}

// Lookup возвращает тип по objectclass_id
func (r *Registry) Lookup(id int) (*FeatureType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ft, ok := r.byID[id]
	return ft, ok
}

// ByName ищет тип по локальному имени (без учета регистра)
func (r *Registry) ByName(name string) (*FeatureType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	ft, ok := r.byName[strings.ToLower(name)]
	return ft, ok
}

// ResolveNames преобразует список имен в типы
func (r *Registry) ResolveNames(names []string) ([]*FeatureType, error) {
	types := make([]*FeatureType, 0, len(names))
	for _, name := range names {
		ft, ok := r.ByName(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown feature type: %s", name)
		}
		types = append(types, ft)
	}
	return types, nil
}

// TopLevelTypes возвращает все неабстрактные типы верхнего уровня, отсортированные по ID
func (r *Registry) TopLevelTypes() []*FeatureType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []*FeatureType
	for _, ft := range r.byID {
		if ft.TopLevel && !ft.Abstract {
			types = append(types, ft)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types
}

// SubtypeIDs возвращает objectclass_id всех неабстрактных подтипов (включая сам тип)
// Используется построителем запросов для фильтра "objectclass_id IN (...)"
func (r *Registry) SubtypeIDs(types []*FeatureType) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int]bool)
	for _, ft := range r.byID {
		if ft.Abstract {
			continue
		}
		for _, want := range types {
			if ft.IsSubtypeOf(want) {
				seen[ft.ID] = true
				break
			}
		}
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CommonSuperType возвращает ближайший общий предок набора типов
// Для пустого набора возвращает nil
func CommonSuperType(types []*FeatureType) *FeatureType {
	if len(types) == 0 {
		return nil
	}

	candidate := types[0]
	for _, ft := range types[1:] {
		candidate = commonAncestor(candidate, ft)
		if candidate == nil {
			return nil
		}
	}
	return candidate
}

func commonAncestor(a, b *FeatureType) *FeatureType {
	// выравниваем глубину, потом поднимаемся параллельно
	da, db := a.depth(), b.depth()
	for da > db {
		a = a.Super
		da--
	}
	for db > da {
		b = b.Super
		db--
	}
	for a != b {
		if a == nil || b == nil {
			return nil
		}
		a, b = a.Super, b.Super
	}
	return a
}
