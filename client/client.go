// Package client has the connection and metadata layer shared by producers
// and consumers. A Cluster owns a Pool of broker connections (one per broker,
// shared) and a Metadata cache that maps topic partitions to their leaders.
// The GroupClient makes group membership and offset management calls to the
// group coordinator through the same Pool. All calls are synchronous and
// execute in the calling goroutine; Pool and Metadata are safe for concurrent
// use.
package client

import (
	"math/rand"
	"net"
	"strconv"
)

// LookupSrv returns a list of host:port strings in the order returned by the
// srv lookup call.
func LookupSrv(name string) ([]string, error) {
	_, srvs, err := net.LookupSRV("", "", name)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, srv := range srvs {
		host := net.JoinHostPort(srv.Target, strconv.Itoa(int(srv.Port)))
		addrs = append(addrs, host)
	}
	return addrs, nil
}

// ExpandBootstrap turns the configured bootstrap list into host:port
// addresses. Entries with a port are used as is. Entries without a port are
// looked up as srv records (shuffled), and if that fails get the default
// port 9092.
func ExpandBootstrap(brokers []string) []string {
	var addrs []string
	for _, b := range brokers {
		if _, _, err := net.SplitHostPort(b); err == nil {
			addrs = append(addrs, b)
			continue
		}
		srv, err := LookupSrv(b)
		if err != nil || len(srv) == 0 {
			addrs = append(addrs, net.JoinHostPort(b, "9092"))
			continue
		}
		rand.Shuffle(len(srv), func(i, j int) {
			srv[i], srv[j] = srv[j], srv[i]
		})
		addrs = append(addrs, srv...)
	}
	return addrs
}
