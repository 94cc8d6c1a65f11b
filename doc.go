// Package emucore is a network-emulation session engine. It builds
// virtual topologies of hosts, switches, and wireless networks, realizes
// each node as a TCP/IP stack in userspace, wires the nodes together
// with links carrying configurable impairment, and drives the whole
// emulation through an explicit lifecycle.
//
// The entry point is the [Session]. While a session is in a mutable
// state you declare the topology against it: [Session.AddNode] creates
// nodes whose kind-specific behavior is selected by a [NodeConfig]
// variant, and [Session.AddLink] connects them. Calling
// [Session.Instantiate] realizes every node as an isolated execution
// context and every link as a pair of forwarding goroutines applying
// the configured [Impairment] (bandwidth, delay, jitter, loss,
// duplication). Once the session reaches [StateRuntime] you can still
// change impairment live through [Session.SetLinkImpairment]; the
// running forwarders pick up the new parameters without a restart.
//
// Host-kind nodes are realized as Gvisor-based userspace stacks, so
// code running against the emulation can dial TCP/UDP connections
// through the emulated network without any privileged operation.
// Switch and hub kind nodes become frame routers implementing a
// broadcast domain. Wireless-kind nodes additionally bind a
// [PropagationModel]: a pluggable algorithm that periodically computes
// pairwise link quality between stations and pushes it into the link
// fabric through the same live-update path. The built-in "basic_range"
// model links stations within range at the configured link parameters
// and disables out-of-range pairs.
//
// Nodes carry named services configured through
// [Session.SetServiceConfig]: small behaviors, such as the built-in
// DNS and web servers, that are started on the node's stack when the
// node is realized.
//
// [Session.Shutdown] is idempotent and never fails: it stops
// propagation models first, then tears down links and execution
// contexts in reverse creation order.
//
// Multiple sessions are owned by a [SessionManager], which a daemon or
// control surface can consult by session id. A standalone program can
// also own a single [Session] directly.
package emucore
