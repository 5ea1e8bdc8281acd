// Package api defines Kafka protocol requests and responses. Each supported
// API lives in its own package, named after the API, and is pinned to a
// single version (see comments below).
package api

const (
	Produce         int16 = 0  // v7, v5 for brokers that don't support v7
	Fetch           int16 = 1  // v6
	ListOffsets     int16 = 2  // v2
	Metadata        int16 = 3  // v5
	OffsetCommit    int16 = 8  // v2
	OffsetFetch     int16 = 9  // v3
	FindCoordinator int16 = 10 // v1
	JoinGroup       int16 = 11 // v2
	Heartbeat       int16 = 12 // v1
	LeaveGroup      int16 = 13 // v1
	SyncGroup       int16 = 14 // v1
	ApiVersions     int16 = 18 // v0
)

var Keys = map[int16]string{
	Produce:         "Produce",
	Fetch:           "Fetch",
	ListOffsets:     "ListOffsets",
	Metadata:        "Metadata",
	OffsetCommit:    "OffsetCommit",
	OffsetFetch:     "OffsetFetch",
	FindCoordinator: "FindCoordinator",
	JoinGroup:       "JoinGroup",
	Heartbeat:       "Heartbeat",
	LeaveGroup:      "LeaveGroup",
	SyncGroup:       "SyncGroup",
	ApiVersions:     "ApiVersions",
}

// KeyName returns the API name for logging.
func KeyName(key int16) string {
	if s, ok := Keys[key]; ok {
		return s
	}
	return "Unknown"
}
