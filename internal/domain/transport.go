package domain

// Fingerprint is a DTLS certificate fingerprint.
type Fingerprint struct {
	Hash        string
	Setup       string
	Fingerprint string
}

// TransportOffer is the local description sent with a join request.
type TransportOffer struct {
	Ufrag        string
	Pwd          string
	Fingerprints []Fingerprint
	Source       Source
}

// Candidate mirrors the wire convention: every field travels as text.
type Candidate struct {
	Port       string
	Protocol   string
	Network    string
	Generation string
	ID         string
	Component  string
	Foundation string
	Priority   string
	IP         string
	Type       string
	TCPType    string
	RelAddr    string
	RelPort    string
}

// TransportAnswer is the remote description pushed by the server.
type TransportAnswer struct {
	Ufrag        string
	Pwd          string
	Fingerprints []Fingerprint
	Candidates   []Candidate
}
