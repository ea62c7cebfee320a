package fs

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// Dentry names a node under a parent dentry. Dentries pin their node
// and mount while referenced; open files and cwd/root slots hold
// references.
type Dentry struct {
	Name   string
	Parent *Dentry
	Node   *Node

	refs int32
}

// NewDentry creates a dentry with one reference.
func NewDentry(name string, parent *Dentry, node *Node) *Dentry {
	return &Dentry{Name: name, Parent: parent, Node: node, refs: 1}
}

// Retain takes a reference, pinning the dentry's mount busy.
func (d *Dentry) Retain() *Dentry {
	atomic.AddInt32(&d.refs, 1)
	if d.Node != nil && d.Node.Mount != nil {
		d.Node.Mount.retain()
	}
	return d
}

// Release drops a reference.
func (d *Dentry) Release() {
	if atomic.AddInt32(&d.refs, -1) < 0 {
		panic("fs: release of dead dentry " + d.Name)
	}
	if d.Node != nil && d.Node.Mount != nil {
		d.Node.Mount.release()
	}
}

// Refs reports the count, for unmount busy checks and KDB.
func (d *Dentry) Refs() int32 { return atomic.LoadInt32(&d.refs) }

// Path reconstructs the dentry's path for logs and KDB.
func (d *Dentry) Path() string {
	if d.Parent == nil || d.Parent == d {
		return "/"
	}
	parent := d.Parent.Path()
	if parent == "/" {
		return "/" + d.Name
	}
	return parent + "/" + d.Name
}

// negativeEntry marks a cached failed lookup.
type negativeEntry struct{}

// dentryCache answers name-to-node lookups in front of the drivers.
// Negative results are cached too, so repeated lookups of missing
// names stay cheap until the directory changes.
type dentryCache struct {
	arc *lru.ARCCache
}

const dentryCacheSize = 4096

func newDentryCache() *dentryCache {
	arc, err := lru.NewARC(dentryCacheSize)
	if err != nil {
		panic(err)
	}
	return &dentryCache{arc: arc}
}

// key scopes a name to its directory across mounts.
func (c *dentryCache) key(dir *Node, name string) string {
	return fmt.Sprintf("%d:%d:%s", dir.Mount.ID, dir.ID, name)
}

// lookup returns (dentry, negative, present).
func (c *dentryCache) lookup(dir *Node, name string) (*Dentry, bool, bool) {
	v, ok := c.arc.Get(c.key(dir, name))
	if !ok {
		return nil, false, false
	}
	if _, neg := v.(negativeEntry); neg {
		return nil, true, true
	}
	return v.(*Dentry), false, true
}

func (c *dentryCache) add(dir *Node, name string, d *Dentry) {
	c.arc.Add(c.key(dir, name), d)
}

func (c *dentryCache) addNegative(dir *Node, name string) {
	c.arc.Add(c.key(dir, name), negativeEntry{})
}

// invalidate drops a single name; create and unlink call it.
func (c *dentryCache) invalidate(dir *Node, name string) {
	c.arc.Remove(c.key(dir, name))
}

// purgeMount drops every entry belonging to a mount, for unmount.
func (c *dentryCache) purgeMount(id int32) {
	prefix := fmt.Sprintf("%d:", id)
	for _, k := range c.arc.Keys() {
		s := k.(string)
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			c.arc.Remove(k)
		}
	}
}
