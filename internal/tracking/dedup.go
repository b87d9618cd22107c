package tracking

// SessionDedup is the set of track ids already reported in one session.
// A new one is created for every claimed stream and dropped on release.
type SessionDedup struct {
	reported map[string]struct{}
}

func NewSessionDedup() *SessionDedup {
	return &SessionDedup{reported: make(map[string]struct{})}
}

// ShouldReport returns true the first time trackID is seen and marks it.
func (d *SessionDedup) ShouldReport(trackID string) bool {
	if _, ok := d.reported[trackID]; ok {
		return false
	}
	d.reported[trackID] = struct{}{}
	return true
}

// Len is the number of tracks reported so far.
func (d *SessionDedup) Len() int {
	return len(d.reported)
}
