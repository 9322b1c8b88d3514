// Package config carries the handful of compile-time policy choices the
// source kernel expresses as Kconfig-style #ifdef/#error checks. This
// module has no parsed configuration file anywhere in its scope (there is
// no deployment-time config surface for a page-table engine), so unlike
// the rest of the ambient stack this package is a plain runtime check on
// the standard library alone (no build tags) rather than reaching for a
// config-parsing dependency such as the ones other packages in the retrieval pack import
// for their own, much larger, runtime configuration surfaces.
package config

// SchedPolicy names the scheduling policy the kernel build assumes,
// mirroring CONF_SCHED_ROUNDROBIN from the source kernel's build
// configuration. internal/bootstrap.Run asserts this at the top of the
// bootstrap sequence, the same place pmm_init carries its static assertion
// tying page-table bootstrap to a specific scheduler build; internal/pmap
// itself still has no dependency on the active policy.
type SchedPolicy int

const (
	SchedUnknown SchedPolicy = iota
	SchedRoundRobin
)

// RequireRoundRobinScheduler panics at init if the build was not
// configured for round-robin scheduling, the direct analogue of the
// source kernel's "#if !defined(CONFIG_SCHED_ROUNDROBIN) #error ..."
// compile-time check. Call it from a kernel entry point's init path, not
// from this package's own init(), so a library importer that never boots
// a full kernel isn't forced to satisfy it.
func RequireRoundRobinScheduler(policy SchedPolicy) {
	if policy != SchedRoundRobin {
		panic("config: this build requires CONFIG_SCHED_ROUNDROBIN")
	}
}
