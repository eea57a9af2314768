package internal

// Version is reported by GET / and `presencehub version`.
// This should be updated with each release
const Version = "1.0.0"
