package rbac

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ChildDescriptor pairs a filter path with the child model it reaches,
// mirroring permission_registry.get_child_models's (filter_path, child_model)
// tuples. The path lists model names from the root's direct child down to
// the child, joined by "__": under organization, inventory (whose parent is
// project) has the path "project__inventory". It is not a chain of parent
// field names running from the child up to the root.
type ChildDescriptor struct {
	FilterPath string
	Child      ResourceType
}

// Registry is the catalog of participating resource types, their parent
// pointers, and the derived parent/child graph the materializer and
// validators walk. Registration is only legal before Freeze; afterward the
// graph is immutable and children_of results are cached.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]ResourceType
	parents  map[string]string // model name -> parent model name ("" = root)
	frozen   bool
	teamName string

	childrenCache *lru.Cache[string, []ChildDescriptor]
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	cache, _ := lru.New[string, []ChildDescriptor](128)
	return &Registry{
		byName:        make(map[string]ResourceType),
		parents:       make(map[string]string),
		childrenCache: cache,
	}
}

// Register adds a resource type to the graph. It is fatal (ErrConfiguration)
// to call Register after Freeze, to register a duplicate model name, or to
// register a parent field pointing at an unregistered model that would
// create a forward reference the registry cannot yet resolve — callers must
// register parents before children.
func (r *Registry) Register(rt ResourceType, parentFieldName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %q after the registry is frozen", ErrConfiguration, rt.Name())
	}
	if _, exists := r.byName[rt.Name()]; exists {
		return fmt.Errorf("%w: duplicate model registration %q", ErrConfiguration, rt.Name())
	}

	parentModel := ""
	if parentFieldName != "" {
		parentModel = parentFieldName
		if _, ok := r.byName[parentModel]; !ok {
			return fmt.Errorf("%w: %q declares parent %q which is not yet registered", ErrConfiguration, rt.Name(), parentModel)
		}
		if r.wouldCycle(rt.Name(), parentModel) {
			return fmt.Errorf("%w: registering %q with parent %q would introduce a cycle", ErrConfiguration, rt.Name(), parentModel)
		}
	}

	r.byName[rt.Name()] = rt
	r.parents[rt.Name()] = parentModel
	return nil
}

// RegisterTeamModel marks which registered model name is the team model.
// Team model registration is otherwise identical to Register; this just
// records which name answers "is this a team".
func (r *Registry) RegisterTeamModel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teamName = name
}

// TeamModelName returns the registered team model's name, or "" if none.
func (r *Registry) TeamModelName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teamName
}

func (r *Registry) wouldCycle(child, parent string) bool {
	seen := map[string]bool{child: true}
	cur := parent
	for cur != "" {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		cur = r.parents[cur]
	}
	return false
}

// Freeze closes registration. Register calls made afterward fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns a registered resource type by name.
func (r *Registry) Get(name string) (ResourceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byName[name]
	return rt, ok
}

// GetByContentTypeID finds a registered resource type by its content-type id.
func (r *Registry) GetByContentTypeID(id int64) (ResourceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.byName {
		if rt.ContentTypeID() == id {
			return rt, true
		}
	}
	return nil, false
}

// ParentOf returns the parent model of the given model name, or (nil, false)
// for a root type.
func (r *Registry) ParentOf(name string) (ResourceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parentName := r.parents[name]
	if parentName == "" {
		return nil, false
	}
	rt, ok := r.byName[parentName]
	return rt, ok
}

// ChildrenOf returns every direct and transitive descendant of root, each
// paired with its path of model names from root's direct child down to the
// descendant (see ChildDescriptor). The result is built by a breadth-first
// walk over the parent map using an explicit queue and a seen
// set — not recursion — per the "transitive closure over cycles" guidance
// this module applies uniformly to every graph traversal, even though the
// registry's own parent graph is acyclic by construction.
//
// Results are cached per root model name since the registry is immutable
// after Freeze and this traversal sits on the materializer's hot path.
func (r *Registry) ChildrenOf(rootName string) []ChildDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.frozen && r.childrenCache != nil {
		if cached, ok := r.childrenCache.Get(rootName); ok {
			return cached
		}
	}

	type frame struct {
		name string
		path string
	}

	var result []ChildDescriptor
	seen := map[string]bool{rootName: true}
	queue := []frame{{name: rootName, path: ""}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for name, parent := range r.parents {
			if parent != cur.name {
				continue
			}
			if seen[name] {
				continue
			}
			seen[name] = true

			path := name
			if cur.path != "" {
				path = cur.path + "__" + name
			}
			// The path runs root-to-leaf: the parent frame's path followed
			// by this model's name, so the materializer can walk it one
			// ChildIDs hop per segment starting from the root object.
			rt := r.byName[name]
			result = append(result, ChildDescriptor{FilterPath: path, Child: rt})
			queue = append(queue, frame{name: name, path: path})
		}
	}

	if r.frozen && r.childrenCache != nil {
		r.childrenCache.Add(rootName, result)
	}
	return result
}

// IsDescendant reports whether candidate is root itself or a transitive
// child of root.
func (r *Registry) IsDescendant(root, candidate string) bool {
	if root == candidate {
		return true
	}
	for _, cd := range r.ChildrenOf(root) {
		if cd.Child.Name() == candidate {
			return true
		}
	}
	return false
}
