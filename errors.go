package kcli

import (
	"errors"
	"fmt"
)

var (
	// ErrCodec is wrapped by every error caused by a malformed frame: bad
	// length prefix, truncated body, unexpected correlation id, or a body
	// that can't be unmarshaled. A connection that produced ErrCodec must
	// not be used again.
	ErrCodec = errors.New("kafka codec error")
	// ErrAllBrokersDown is returned when no bootstrap or known broker
	// accepts a connection.
	ErrAllBrokersDown = errors.New("all brokers down")
)

// Kafka protocol error codes. https://kafka.apache.org/protocol#protocol_error_codes
const (
	ERR_UNKNOWN_SERVER_ERROR                int16 = -1
	ERR_NONE                                int16 = 0
	ERR_OFFSET_OUT_OF_RANGE                 int16 = 1
	ERR_CORRUPT_MESSAGE                     int16 = 2
	ERR_UNKNOWN_TOPIC_OR_PARTITION          int16 = 3
	ERR_INVALID_FETCH_SIZE                  int16 = 4
	ERR_LEADER_NOT_AVAILABLE                int16 = 5
	ERR_NOT_LEADER_FOR_PARTITION            int16 = 6
	ERR_REQUEST_TIMED_OUT                   int16 = 7
	ERR_BROKER_NOT_AVAILABLE                int16 = 8
	ERR_REPLICA_NOT_AVAILABLE               int16 = 9
	ERR_MESSAGE_TOO_LARGE                   int16 = 10
	ERR_STALE_CONTROLLER_EPOCH              int16 = 11
	ERR_OFFSET_METADATA_TOO_LARGE           int16 = 12
	ERR_NETWORK_EXCEPTION                   int16 = 13
	ERR_COORDINATOR_LOAD_IN_PROGRESS        int16 = 14
	ERR_COORDINATOR_NOT_AVAILABLE           int16 = 15
	ERR_NOT_COORDINATOR                     int16 = 16
	ERR_INVALID_TOPIC_EXCEPTION             int16 = 17
	ERR_RECORD_LIST_TOO_LARGE               int16 = 18
	ERR_NOT_ENOUGH_REPLICAS                 int16 = 19
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APPEND    int16 = 20
	ERR_INVALID_REQUIRED_ACKS               int16 = 21
	ERR_ILLEGAL_GENERATION                  int16 = 22
	ERR_INCONSISTENT_GROUP_PROTOCOL         int16 = 23
	ERR_INVALID_GROUP_ID                    int16 = 24
	ERR_UNKNOWN_MEMBER_ID                   int16 = 25
	ERR_INVALID_SESSION_TIMEOUT             int16 = 26
	ERR_REBALANCE_IN_PROGRESS               int16 = 27
	ERR_INVALID_COMMIT_OFFSET_SIZE          int16 = 28
	ERR_TOPIC_AUTHORIZATION_FAILED          int16 = 29
	ERR_GROUP_AUTHORIZATION_FAILED          int16 = 30
	ERR_CLUSTER_AUTHORIZATION_FAILED        int16 = 31
	ERR_INVALID_TIMESTAMP                   int16 = 32
	ERR_UNSUPPORTED_SASL_MECHANISM          int16 = 33
	ERR_ILLEGAL_SASL_STATE                  int16 = 34
	ERR_UNSUPPORTED_VERSION                 int16 = 35
	ERR_TOPIC_ALREADY_EXISTS                int16 = 36
	ERR_INVALID_PARTITIONS                  int16 = 37
	ERR_INVALID_REPLICATION_FACTOR          int16 = 38
	ERR_INVALID_REPLICA_ASSIGNMENT          int16 = 39
	ERR_INVALID_CONFIG                      int16 = 40
	ERR_NOT_CONTROLLER                      int16 = 41
	ERR_INVALID_REQUEST                     int16 = 42
	ERR_UNSUPPORTED_FOR_MESSAGE_FORMAT      int16 = 43
	ERR_POLICY_VIOLATION                    int16 = 44
	ERR_OUT_OF_ORDER_SEQUENCE_NUMBER        int16 = 45
	ERR_DUPLICATE_SEQUENCE_NUMBER           int16 = 46
	ERR_INVALID_PRODUCER_EPOCH              int16 = 47
	ERR_INVALID_TXN_STATE                   int16 = 48
	ERR_INVALID_PRODUCER_ID_MAPPING         int16 = 49
	ERR_INVALID_TRANSACTION_TIMEOUT         int16 = 50
	ERR_CONCURRENT_TRANSACTIONS             int16 = 51
	ERR_TRANSACTION_COORDINATOR_FENCED      int16 = 52
	ERR_TRANSACTIONAL_ID_AUTHORIZATION_FAIL int16 = 53
	ERR_SECURITY_DISABLED                   int16 = 54
	ERR_OPERATION_NOT_ATTEMPTED             int16 = 55
	ERR_KAFKA_STORAGE_ERROR                 int16 = 56
	ERR_LOG_DIR_NOT_FOUND                   int16 = 57
	ERR_SASL_AUTHENTICATION_FAILED          int16 = 58
	ERR_UNKNOWN_PRODUCER_ID                 int16 = 59
	ERR_REASSIGNMENT_IN_PROGRESS            int16 = 60
	ERR_FETCH_SESSION_ID_NOT_FOUND          int16 = 70
	ERR_INVALID_FETCH_SESSION_EPOCH         int16 = 71
	ERR_FENCED_LEADER_EPOCH                 int16 = 74
	ERR_UNKNOWN_LEADER_EPOCH                int16 = 75
	ERR_OFFSET_NOT_AVAILABLE                int16 = 78
	ERR_MEMBER_ID_REQUIRED                  int16 = 79
	ERR_GROUP_MAX_SIZE_REACHED              int16 = 81
	ERR_THROTTLING_QUOTA_EXCEEDED           int16 = 89
)

type errorInfo struct {
	name      string
	retriable bool
}

// codes lists the errors kcli knows by name. Codes missing from the table
// still decode (forward compatibility) and are treated as not retriable.
var codes = map[int16]errorInfo{
	ERR_UNKNOWN_SERVER_ERROR:                {"UNKNOWN_SERVER_ERROR", false},
	ERR_NONE:                                {"NONE", false},
	ERR_OFFSET_OUT_OF_RANGE:                 {"OFFSET_OUT_OF_RANGE", false},
	ERR_CORRUPT_MESSAGE:                     {"CORRUPT_MESSAGE", true},
	ERR_UNKNOWN_TOPIC_OR_PARTITION:          {"UNKNOWN_TOPIC_OR_PARTITION", true},
	ERR_INVALID_FETCH_SIZE:                  {"INVALID_FETCH_SIZE", false},
	ERR_LEADER_NOT_AVAILABLE:                {"LEADER_NOT_AVAILABLE", true},
	ERR_NOT_LEADER_FOR_PARTITION:            {"NOT_LEADER_FOR_PARTITION", true},
	ERR_REQUEST_TIMED_OUT:                   {"REQUEST_TIMED_OUT", true},
	ERR_BROKER_NOT_AVAILABLE:                {"BROKER_NOT_AVAILABLE", false},
	ERR_REPLICA_NOT_AVAILABLE:               {"REPLICA_NOT_AVAILABLE", true},
	ERR_MESSAGE_TOO_LARGE:                   {"MESSAGE_TOO_LARGE", false},
	ERR_STALE_CONTROLLER_EPOCH:              {"STALE_CONTROLLER_EPOCH", false},
	ERR_OFFSET_METADATA_TOO_LARGE:           {"OFFSET_METADATA_TOO_LARGE", false},
	ERR_NETWORK_EXCEPTION:                   {"NETWORK_EXCEPTION", true},
	ERR_COORDINATOR_LOAD_IN_PROGRESS:        {"COORDINATOR_LOAD_IN_PROGRESS", true},
	ERR_COORDINATOR_NOT_AVAILABLE:           {"COORDINATOR_NOT_AVAILABLE", true},
	ERR_NOT_COORDINATOR:                     {"NOT_COORDINATOR", true},
	ERR_INVALID_TOPIC_EXCEPTION:             {"INVALID_TOPIC_EXCEPTION", false},
	ERR_RECORD_LIST_TOO_LARGE:               {"RECORD_LIST_TOO_LARGE", false},
	ERR_NOT_ENOUGH_REPLICAS:                 {"NOT_ENOUGH_REPLICAS", true},
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APPEND:    {"NOT_ENOUGH_REPLICAS_AFTER_APPEND", true},
	ERR_INVALID_REQUIRED_ACKS:               {"INVALID_REQUIRED_ACKS", false},
	ERR_ILLEGAL_GENERATION:                  {"ILLEGAL_GENERATION", false},
	ERR_INCONSISTENT_GROUP_PROTOCOL:         {"INCONSISTENT_GROUP_PROTOCOL", false},
	ERR_INVALID_GROUP_ID:                    {"INVALID_GROUP_ID", false},
	ERR_UNKNOWN_MEMBER_ID:                   {"UNKNOWN_MEMBER_ID", false},
	ERR_INVALID_SESSION_TIMEOUT:             {"INVALID_SESSION_TIMEOUT", false},
	ERR_REBALANCE_IN_PROGRESS:               {"REBALANCE_IN_PROGRESS", false},
	ERR_INVALID_COMMIT_OFFSET_SIZE:          {"INVALID_COMMIT_OFFSET_SIZE", false},
	ERR_TOPIC_AUTHORIZATION_FAILED:          {"TOPIC_AUTHORIZATION_FAILED", false},
	ERR_GROUP_AUTHORIZATION_FAILED:          {"GROUP_AUTHORIZATION_FAILED", false},
	ERR_CLUSTER_AUTHORIZATION_FAILED:        {"CLUSTER_AUTHORIZATION_FAILED", false},
	ERR_INVALID_TIMESTAMP:                   {"INVALID_TIMESTAMP", false},
	ERR_UNSUPPORTED_SASL_MECHANISM:          {"UNSUPPORTED_SASL_MECHANISM", false},
	ERR_ILLEGAL_SASL_STATE:                  {"ILLEGAL_SASL_STATE", false},
	ERR_UNSUPPORTED_VERSION:                 {"UNSUPPORTED_VERSION", false},
	ERR_TOPIC_ALREADY_EXISTS:                {"TOPIC_ALREADY_EXISTS", false},
	ERR_INVALID_PARTITIONS:                  {"INVALID_PARTITIONS", false},
	ERR_INVALID_REPLICATION_FACTOR:          {"INVALID_REPLICATION_FACTOR", false},
	ERR_INVALID_REPLICA_ASSIGNMENT:          {"INVALID_REPLICA_ASSIGNMENT", false},
	ERR_INVALID_CONFIG:                      {"INVALID_CONFIG", false},
	ERR_NOT_CONTROLLER:                      {"NOT_CONTROLLER", true},
	ERR_INVALID_REQUEST:                     {"INVALID_REQUEST", false},
	ERR_UNSUPPORTED_FOR_MESSAGE_FORMAT:      {"UNSUPPORTED_FOR_MESSAGE_FORMAT", false},
	ERR_POLICY_VIOLATION:                    {"POLICY_VIOLATION", false},
	ERR_OUT_OF_ORDER_SEQUENCE_NUMBER:        {"OUT_OF_ORDER_SEQUENCE_NUMBER", false},
	ERR_DUPLICATE_SEQUENCE_NUMBER:           {"DUPLICATE_SEQUENCE_NUMBER", false},
	ERR_INVALID_PRODUCER_EPOCH:              {"INVALID_PRODUCER_EPOCH", false},
	ERR_INVALID_TXN_STATE:                   {"INVALID_TXN_STATE", false},
	ERR_INVALID_PRODUCER_ID_MAPPING:         {"INVALID_PRODUCER_ID_MAPPING", false},
	ERR_INVALID_TRANSACTION_TIMEOUT:         {"INVALID_TRANSACTION_TIMEOUT", false},
	ERR_CONCURRENT_TRANSACTIONS:             {"CONCURRENT_TRANSACTIONS", true},
	ERR_TRANSACTION_COORDINATOR_FENCED:      {"TRANSACTION_COORDINATOR_FENCED", false},
	ERR_TRANSACTIONAL_ID_AUTHORIZATION_FAIL: {"TRANSACTIONAL_ID_AUTHORIZATION_FAILED", false},
	ERR_SECURITY_DISABLED:                   {"SECURITY_DISABLED", false},
	ERR_OPERATION_NOT_ATTEMPTED:             {"OPERATION_NOT_ATTEMPTED", false},
	ERR_KAFKA_STORAGE_ERROR:                 {"KAFKA_STORAGE_ERROR", true},
	ERR_LOG_DIR_NOT_FOUND:                   {"LOG_DIR_NOT_FOUND", false},
	ERR_SASL_AUTHENTICATION_FAILED:          {"SASL_AUTHENTICATION_FAILED", false},
	ERR_UNKNOWN_PRODUCER_ID:                 {"UNKNOWN_PRODUCER_ID", false},
	ERR_REASSIGNMENT_IN_PROGRESS:            {"REASSIGNMENT_IN_PROGRESS", false},
	ERR_FETCH_SESSION_ID_NOT_FOUND:          {"FETCH_SESSION_ID_NOT_FOUND", true},
	ERR_INVALID_FETCH_SESSION_EPOCH:         {"INVALID_FETCH_SESSION_EPOCH", true},
	ERR_FENCED_LEADER_EPOCH:                 {"FENCED_LEADER_EPOCH", true},
	ERR_UNKNOWN_LEADER_EPOCH:                {"UNKNOWN_LEADER_EPOCH", true},
	ERR_OFFSET_NOT_AVAILABLE:                {"OFFSET_NOT_AVAILABLE", true},
	ERR_MEMBER_ID_REQUIRED:                  {"MEMBER_ID_REQUIRED", false},
	ERR_GROUP_MAX_SIZE_REACHED:              {"GROUP_MAX_SIZE_REACHED", false},
	ERR_THROTTLING_QUOTA_EXCEEDED:           {"THROTTLING_QUOTA_EXCEEDED", true},
}

// Error is an error code returned by a broker in a response. Codes that kcli
// does not know are still represented, with the name UNKNOWN(code).
type Error struct {
	Code    int16
	Message string // optional, some responses carry an error message
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kafka error %d %s: %s", e.Code, ErrorName(e.Code), e.Message)
	}
	return fmt.Sprintf("kafka error %d %s", e.Code, ErrorName(e.Code))
}

// Retriable reports whether the same request may succeed if retried,
// possibly after refreshing metadata.
func (e *Error) Retriable() bool {
	return codes[e.Code].retriable
}

// Is makes errors.Is(err, &Error{Code: x}) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorName returns the protocol name of the code.
func ErrorName(code int16) string {
	if info, ok := codes[code]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN(%d)", code)
}

// ErrorForCode returns nil for ERR_NONE and *Error otherwise.
func ErrorForCode(code int16) error {
	if code == ERR_NONE {
		return nil
	}
	return &Error{Code: code}
}

// IsRetriable reports whether err wraps a retriable broker error.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable()
	}
	return false
}

// HasCode reports whether err wraps a broker error with the given code.
func HasCode(err error, code int16) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// NeedsMetadataRefresh reports whether err means the cached leader for a
// partition is stale.
func NeedsMetadataRefresh(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ERR_UNKNOWN_TOPIC_OR_PARTITION,
		ERR_LEADER_NOT_AVAILABLE,
		ERR_NOT_LEADER_FOR_PARTITION,
		ERR_REPLICA_NOT_AVAILABLE,
		ERR_FENCED_LEADER_EPOCH,
		ERR_UNKNOWN_LEADER_EPOCH:
		return true
	}
	return false
}
