package manifest

// Manifest is an asset list fragment ready to be merged into a config file.
// Paths are origin-relative and keep their query string.
type Manifest struct {
	BestEffortAssets []string `json:"bestEffortAssets"`
	RequiredAssets   []string `json:"requiredAssets"`
	OfflinePage      string   `json:"offlinePage,omitempty"`
}

// WithOfflinePage returns a copy that names path as the offline page and
// lists it as required, dropping it from the best-effort list.
func (m Manifest) WithOfflinePage(path string) Manifest {
	out := Manifest{
		BestEffortAssets: []string{},
		RequiredAssets:   []string{},
		OfflinePage:      path,
	}
	for _, p := range m.BestEffortAssets {
		if p != path {
			out.BestEffortAssets = append(out.BestEffortAssets, p)
		}
	}
	found := false
	for _, p := range m.RequiredAssets {
		if p == path {
			found = true
		}
		out.RequiredAssets = append(out.RequiredAssets, p)
	}
	if !found {
		out.RequiredAssets = append(out.RequiredAssets, path)
	}
	return out
}
