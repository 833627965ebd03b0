// mobileproxy drives the proxy engine from the command line.
//
// Usage:
//
//	# Send one request through an https proxy
//	mobileproxy request https://example.com/ --proxy-host proxy.local --proxy-port 3128 --https
//
//	# Use the proxy from the environment (HTTPS_PROXY, HTTP_PROXY)
//	mobileproxy request https://example.com/ --system-proxy
//
//	# Run the local forward proxy used for development
//	mobileproxy serve --listen 127.0.0.1:8080 --socks5-listen 127.0.0.1:1080
package main

func main() {
	Execute()
}
