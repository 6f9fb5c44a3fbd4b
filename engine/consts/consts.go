package consts

import "time"

// Tunable Options
const (
	// For State Server
	// STATESERVER_DELIVERY_QUEUE_SIZE is the max number of datagrams waiting for the state server loop
	STATESERVER_DELIVERY_QUEUE_SIZE = 10000
	// STATESERVER_TICK_INTERVAL is the tick interval to fire timers in the state server loop
	STATESERVER_TICK_INTERVAL = time.Millisecond * 10
	// STATESERVER_DEFAULT_STATS_INTERVAL is the default interval to log state tree statistics
	STATESERVER_DEFAULT_STATS_INTERVAL = time.Minute
	// DISPATCH_WARN_THRESHOLD is the duration of handling one datagram that is considered too slow
	DISPATCH_WARN_THRESHOLD = time.Millisecond * 100

	// For Id Allocation
	// DEFAULT_MIN_DOID is the first object id issued by default
	DEFAULT_MIN_DOID = 100000000
	// DEFAULT_MAX_DOID is the last object id issued by default
	DEFAULT_MAX_DOID = 399999999

	// For Clients
	// CLIENT_POST_QUEUE_SIZE is the number of posted callbacks a client loop can buffer
	CLIENT_POST_QUEUE_SIZE = 10000
	// CLIENT_HISTORY_SIZE is the number of disabled object ids remembered to drop stale updates
	CLIENT_HISTORY_SIZE = 4096

	// For Channel Bus
	// BUS_DEDUP_SIZE is the number of recent envelope ids remembered by the redis bus
	BUS_DEDUP_SIZE = 65536
	// BUS_DELIVERY_QUEUE_SIZE is the number of received datagrams buffered by the redis bus
	BUS_DELIVERY_QUEUE_SIZE = 10000
	// BUS_COMPRESS_THRESHOLD is the payload size from which the redis bus compresses datagrams
	BUS_COMPRESS_THRESHOLD = 1024
	// BUS_RECONNECT_INTERVAL is the delay between redis reconnect attempts
	BUS_RECONNECT_INTERVAL = time.Second

	// OPMON_DUMP_INTERVAL is the interval to print opmon infos to output
	OPMON_DUMP_INTERVAL = 0
)

// Debug Options
const (
	// DEBUG_PACKETS prints datagram send/recv debug logs
	DEBUG_PACKETS = false
	// DEBUG_INTEREST prints interest operation debug logs
	DEBUG_INTEREST = false
	// DEBUG_DELETE prints deletion protocol debug logs
	DEBUG_DELETE = false
	// DEBUG_LOCATION prints placement debug logs
	DEBUG_LOCATION = false
)
