package constants

// VersionStatus is the canonical status for rows in file_versions.
type VersionStatus string

// Stable values (store these exact strings in DB).
const (
	VersionStatusNew       VersionStatus = "new"       // first time seen on disk
	VersionStatusUpdated   VersionStatus = "updated"   // fingerprint changed since last pass
	VersionStatusUnchanged VersionStatus = "unchanged" // consumed / no pending work
)

// VersionStatuses lists every valid file_versions status value.
var VersionStatuses = []VersionStatus{
	VersionStatusNew,
	VersionStatusUpdated,
	VersionStatusUnchanged,
}

// IsValidVersionStatus reports whether s is a known ledger status.
func IsValidVersionStatus(s string) bool {
	for _, v := range VersionStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}
