// Command gdrive-auth mints the Google Drive refresh token that the
// gdrive artifact adapter consumes via GDRIVE_REFRESH_TOKEN. One-shot
// CLI: run it, authorize in the browser, copy the token to the env.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
)

const authWait = 3 * time.Minute

func main() {
	_ = godotenv.Load()

	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) error {
	clientID := mustEnv("GDRIVE_CLIENT_ID")
	clientSecret := mustEnv("GDRIVE_CLIENT_SECRET")

	// Callback local en un puerto libre
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://%s/callback", ln.Addr().String())

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		// drive.file: sólo archivos creados por renderflow
		Scopes:      []string{drive.DriveFileScope},
		RedirectURL: redirectURL,
	}

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("invalid oauth state")
		case q.Get("error") != "":
			http.Error(w, "auth error: "+q.Get("error"), http.StatusBadRequest)
			errCh <- fmt.Errorf("authorization error: %s", q.Get("error"))
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("callback without code")
		default:
			fmt.Fprintln(w, "Listo. Puedes cerrar esta ventana y volver a la terminal.")
			codeCh <- q.Get("code")
		}
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	// access_type=offline + prompt=consent para forzar el refresh token
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Println("\nAbre esta URL en tu navegador:")
	fmt.Println("\n" + authURL)
	fmt.Println("\nEsperando autorización en:", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-time.After(authWait):
		return fmt.Errorf("timed out waiting for authorization")
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	if strings.TrimSpace(tok.RefreshToken) == "" {
		// Google sólo entrega el refresh token la primera vez; revocar
		// el acceso previo y repetir lo fuerza de nuevo.
		fmt.Println("\nno refresh token returned")
		fmt.Println("revoke the app's previous access and run this again:")
		fmt.Println("https://myaccount.google.com/permissions")
		return nil
	}

	fmt.Println("\nexport GDRIVE_REFRESH_TOKEN=" + tok.RefreshToken)
	return nil
}

func mustEnv(k string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		log.Fatal("missing env: " + k)
	}
	return v
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
