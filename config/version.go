package config

// Version is the host build version, set at link time.
var Version = ""

// GitRevision is the host git revision, set at link time.
var GitRevision = ""
