package keylock

// UserKey is the key of the per-user section shared by appends (shared
// holders) and export or erasure (exclusive holders).
func UserKey(userID string) string {
	return "user:" + userID
}

// AlertKey is the key serializing alert evaluation of one (user, kind).
func AlertKey(userID, kind string) string {
	return "alert:" + userID + ":" + kind
}
