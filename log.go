package vmo

import "k8s.io/klog/v2"

// Leveled tracing for the hot operation paths. Kept to a thin wrapper so
// call sites read like the teacher's fmt.Println diagnostics but are
// skipped at runtime unless klog verbosity is 2 or higher.
func traceOp(op string, format string, args ...interface{}) {
	if klog.V(2).Enabled() {
		klog.V(2).Infof(op+": "+format, args...)
	}
}

func warnInvariant(op string, format string, args ...interface{}) {
	klog.Errorf(op+": "+format, args...)
}
