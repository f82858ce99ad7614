package tools

import "github.com/ramiqadoumi/tbwo/internal/domain"

var (
	readWrite = []string{domain.ToolFileRead, domain.ToolFileWrite, domain.ToolMemoryRecall}
	builder   = append(cloneList(readWrite), domain.ToolCodeExecute, domain.ToolHTTPRequest)
)

// DefaultRoleTools returns the registry tools each role's pods may call.
// Tools not present in a registry are skipped when specs are offered, so the
// map may name optional tools such as web_search.
func DefaultRoleTools() map[domain.Role][]string {
	return map[domain.Role][]string{
		domain.RoleOrchestrator: {domain.ToolFileRead, domain.ToolMemoryRecall, domain.ToolMemoryStore},
		domain.RoleDesign:       cloneList(readWrite),
		domain.RoleCopy:         append(cloneList(readWrite), domain.ToolWebSearch),
		domain.RoleMotion:       cloneList(readWrite),
		domain.RoleAnimation:    cloneList(readWrite),
		domain.Role3D:           cloneList(readWrite),
		domain.RoleFrontend:     cloneList(builder),
		domain.RoleBackend:      cloneList(builder),
		domain.RoleData:         cloneList(builder),
		domain.RoleDeployment:   cloneList(builder),
		domain.RoleQA:           append(cloneList(builder), domain.ToolWebSearch),
		domain.RoleResearch: {
			domain.ToolFileRead, domain.ToolFileWrite, domain.ToolWebSearch,
			domain.ToolHTTPRequest, domain.ToolMemoryRecall, domain.ToolMemoryStore,
		},
	}
}

// MergeRoleTools overlays overrides on DefaultRoleTools. A role present in
// overrides replaces its default list entirely; unknown roles are ignored.
func MergeRoleTools(overrides map[string][]string) map[domain.Role][]string {
	out := DefaultRoleTools()
	for name, list := range overrides {
		role := domain.Role(name)
		if !role.Valid() {
			continue
		}
		out[role] = cloneList(list)
	}
	return out
}

func cloneList(s []string) []string { return append([]string(nil), s...) }
