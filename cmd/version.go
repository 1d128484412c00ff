package cmd

// Version is set at build time:
// go build -ldflags "-X github.com/xkilldash9x/formmapper/cmd.Version=1.0.0"
var Version = "dev"
