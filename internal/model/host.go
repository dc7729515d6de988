package model

// Host identifies a target VPS and how to reach it.
type Host struct {
	Name string `json:"name" yaml:"name"`

	// SSHAddr is the host:port for SSH access.
	SSHAddr string `json:"ssh_addr" yaml:"ssh_addr"`
	SSHUser string `json:"ssh_user" yaml:"ssh_user"`

	// DockerHost is the Docker API endpoint, e.g. "tcp://10.0.0.5:2376".
	DockerHost string `json:"docker_host" yaml:"docker_host"`

	// Mutual-TLS material for the Docker API. Empty means plain connection
	// (local socket or trusted network).
	CACertPEM     string `json:"ca_cert_pem,omitempty" yaml:"ca_cert_pem,omitempty"`
	ClientCertPEM string `json:"client_cert_pem,omitempty" yaml:"client_cert_pem,omitempty"`
	ClientKeyPEM  string `json:"client_key_pem,omitempty" yaml:"client_key_pem,omitempty"`
}
