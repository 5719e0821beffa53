package registry

import "fmt"

// ConfigurationError reports an invalid registry mutation: a duplicate
// service id, or a dependency that is not registered.
type ConfigurationError struct {
	ServiceID string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

// LifecycleError reports an operation attempted against the dependency
// invariant: connecting before a dependency is ready, or tearing down a
// service that others still depend on.
type LifecycleError struct {
	ServiceID string
	Reason    string
}

func (e *LifecycleError) Error() string {
	return e.Reason
}

func errDuplicateID(id string) error {
	return &ConfigurationError{
		ServiceID: id,
		Reason:    fmt.Sprintf("service %s is already registered", id),
	}
}

func errUnknownService(id string) error {
	return &ConfigurationError{
		ServiceID: id,
		Reason:    fmt.Sprintf("service %s is not registered", id),
	}
}

func errMissingDependency(id, dep string) error {
	return &ConfigurationError{
		ServiceID: id,
		Reason:    fmt.Sprintf("dependency %s of service %s is not registered", dep, id),
	}
}

func errDependencyNotConnected(id, dep string) error {
	return &LifecycleError{
		ServiceID: id,
		Reason:    fmt.Sprintf("Dependency %s not connected for service %s", dep, id),
	}
}

func errDependentsConnected(id, dependent string) error {
	return &LifecycleError{
		ServiceID: id,
		Reason:    fmt.Sprintf("Dependent %s still connected for service %s", dependent, id),
	}
}

func errHasDependents(id string, count int) error {
	return &LifecycleError{
		ServiceID: id,
		Reason:    fmt.Sprintf("cannot unregister service %s: %d dependents", id, count),
	}
}
