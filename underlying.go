package evfs

// knownUnderlyingVFS lists the underlying VFS names Register accepts
// for Options.UnderlyingVFS (spec §4.6 "optional underlying VFS name,
// default: platform default"). This core has exactly one backing file
// implementation — the Go os package, used directly by file.go and
// vfs.go for every non-data-path operation — so "looking up" an
// underlying VFS here means validating the caller's name against the
// platform aliases that implementation answers to, rather than
// dispatching into a pluggable VFS registry: no dependency in this
// module's pack exposes SQLite's own C-level sqlite3_vfs_find, and
// sqlite3vfs itself registers a whole custom VFS rather than bridging
// into other registered ones. "" selects the default; "os", "unix",
// and "win32" are accepted as explicit aliases for that same default
// so a caller porting a config from a real sqlite3_vfs name doesn't
// have to special-case this VFS.
var knownUnderlyingVFS = map[string]bool{
	"":      true,
	"os":    true,
	"unix":  true,
	"win32": true,
}

// lookupUnderlyingVFS implements spec §4.6 step 2: "look up the
// underlying VFS by name; fail if absent." A name outside
// knownUnderlyingVFS is rejected at Register time rather than
// silently ignored.
func lookupUnderlyingVFS(name string) error {
	if !knownUnderlyingVFS[name] {
		return ErrUnknownVFS
	}
	return nil
}
