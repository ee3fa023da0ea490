// Command oauth-server runs the OAuth 2.0 / OpenID Connect authorization
// server and manages its keys, clients, scopes and users.
package main

func main() {
	Execute()
}
