// Marina is the REST backend for boats, loads and users.
package main

import (
	"net/http"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/access"
	"github.com/harborside-tech/marina/core/backend"
	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/store/pgstore"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	CertificatesURL  string `env:"CERTIFICATES_URL,required" description:"URL serving the identity provider's signing certificates as kid to PEM"`
	Issuer           string `env:"ISSUER,required" description:"expected issuer of identity tokens"`
	Audience         string `env:"AUDIENCE,required" description:"expected audience of identity tokens"`
	Port             string `env:"PORT,optional,default=8080" description:"port to listen on"`
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
	router.Use(access.NewVerificationMiddleware(verifier))
	backend.New(&backend.Builder{
		Store:  db,
		Router: router,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	logger.Default().Fatal(http.ListenAndServe(":"+service.Port, router))
}
