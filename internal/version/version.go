package version

// Version is the current geoconvo release
const Version = "0.3.0"
