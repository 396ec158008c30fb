package transform

import (
	"bytes"
	"strings"
)

// PackageOf returns the package part of a type name: "pkg/msg/T" and
// "pkg/T" give "pkg", "a.b.T" gives "a.b". Bare names have no package.
func PackageOf(messageType string) string {
	if i := strings.LastIndexByte(messageType, '/'); i >= 0 {
		before := messageType[:i]
		if j := strings.LastIndexByte(before, '/'); j >= 0 {
			return messageType[:j]
		}
		return before
	}
	if i := strings.LastIndexByte(messageType, '.'); i >= 0 {
		return strings.TrimPrefix(messageType[:i], ".")
	}
	return ""
}

// RewriteSchema replaces package references of oldType with those of newType
// in a textual schema. ROS ("pkg/"), IDL ("pkg::" and "module pkg {") and
// protobuf ("pkg.") spellings are covered. The input is returned unchanged
// when either package is empty or both are equal.
func RewriteSchema(schema []byte, oldType, newType string) []byte {
	oldPkg, newPkg := PackageOf(oldType), PackageOf(newType)
	if len(schema) == 0 || oldPkg == "" || newPkg == "" || oldPkg == newPkg {
		return schema
	}
	out := schema
	for _, sep := range []string{"/", "::", "."} {
		out = bytes.ReplaceAll(out, []byte(oldPkg+sep), []byte(newPkg+sep))
	}
	oldModule := strings.ReplaceAll(oldPkg, "/", "::")
	newModule := strings.ReplaceAll(newPkg, "/", "::")
	out = bytes.ReplaceAll(out, []byte("module "+oldModule+" {"), []byte("module "+newModule+" {"))
	return out
}
