package repo

import (
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/tree"
)

// AddPackage scans dir into a Tree and assembles a Package from it. refs
// are the package's direct runtime dependencies.
func (r *Repo) AddPackage(dir, name, platform string, refs []object.Hash) (object.Hash, error) {
	if platform == "" {
		platform = object.HostPlatform()
	}
	for _, ref := range refs {
		if !r.Store.Exists(ref, object.KindPackage) {
			return "", &object.Error{Kind: object.ErrNotFound, Op: "add package", Hash: ref, Msg: "referenced package not in store"}
		}
	}
	tr, err := r.Trees.BuildTree(dir)
	if err != nil {
		return "", err
	}
	h, err := tree.Assemble(r.Store, name, platform, refs, tr)
	if err != nil {
		return "", err
	}
	r.Log.WithField("package", h.Short()).WithField("name", name).Info("added package")
	return h, nil
}
