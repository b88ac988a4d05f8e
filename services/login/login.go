// Login is the OAuth2 front door for the marina backend. It obtains an
// identity token from the provider and registers the user.
package main

import (
	"net/http"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/harborside-tech/marina/core/access"
	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/login"
	"github.com/harborside-tech/marina/core/store/pgstore"
)

// Service holds the configuration for this service
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	ClientID         string `env:"OAUTH_CLIENT_ID,required" description:"OAuth2 client id"`
	ClientSecret     string `env:"OAUTH_CLIENT_SECRET,required" description:"OAuth2 client secret"`
	AuthURL          string `env:"OAUTH_AUTH_URL,required" description:"provider authorization endpoint"`
	TokenURL         string `env:"OAUTH_TOKEN_URL,required" description:"provider token endpoint"`
	RedirectURL      string `env:"OAUTH_REDIRECT_URL,required" description:"redirect URL registered with the provider"`
	ProfileURL       string `env:"OAUTH_PROFILE_URL,required" description:"provider endpoint serving the user's profile"`
	CertificatesURL  string `env:"CERTIFICATES_URL,required" description:"URL serving the identity provider's signing certificates as kid to PEM"`
	Issuer           string `env:"ISSUER,required" description:"expected issuer of identity tokens"`
	Audience         string `env:"AUDIENCE,required" description:"expected audience of identity tokens"`
	Port             string `env:"PORT,optional,default=8081" description:"port to listen on"`
	LogLevel         string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)

	db, err := pgstore.OpenWithSchema(service.Postgres, service.PostgresPassword, "marina")
	if err != nil {
		panic(err)
	}
	defer db.Close()

	verifier, err := access.NewTokenVerifier(&access.TokenVerifierBuilder{
		PublicKeyDownloadURL: service.CertificatesURL,
		Issuer:               service.Issuer,
		Audience:             service.Audience,
	})
	if err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	login.New(&login.Builder{
		Config: &oauth2.Config{
			ClientID:     service.ClientID,
			ClientSecret: service.ClientSecret,
			RedirectURL:  service.RedirectURL,
			Scopes:       []string{"openid", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  service.AuthURL,
				TokenURL: service.TokenURL,
			},
		},
		Store:      db,
		Verifier:   verifier,
		ProfileURL: service.ProfileURL,
		Router:     router,
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	logger.Default().Infoln("listen on port :" + service.Port)
	logger.Default().Fatal(http.ListenAndServe(":"+service.Port, cors(router)))
}
