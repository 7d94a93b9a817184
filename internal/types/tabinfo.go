package types

// TabInfo holds metadata about an observed browser tab.
// Each tab gets its own capture session and audit log directory.
type TabInfo struct {
	TargetID    string `json:"target_id"`
	URL         string `json:"url"`
	PathSegment string `json:"path_segment"` // Transformed URL path, e.g., "v2_location"
	BrowserID   string `json:"browser_id"`   // Short ID from target ID, e.g., "B0D5A8E8"
}
