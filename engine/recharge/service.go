package recharge

// Service identifies one of the three recharge service classes.
// The set is closed: pipelines, queues and locks exist per service.
type Service string

const (
	ServiceGPS   Service = "gps"
	ServiceVOZ   Service = "voz"
	ServiceELIOT Service = "eliot"
)

// Tag returns the service-type string written into master settlement rows.
// These values are a wire contract with the system of record.
func (s Service) Tag() string {
	switch s {
	case ServiceGPS:
		return "rastreo"
	case ServiceVOZ:
		return "paquete"
	case ServiceELIOT:
		return "eliot"
	}
	return string(s)
}

// LockKey returns the distributed lock key guarding this service's tick.
func (s Service) LockKey() string {
	return "recharge_" + string(s)
}

// Services returns all service classes in a fixed order.
func Services() []Service {
	return []Service{ServiceGPS, ServiceVOZ, ServiceELIOT}
}
