// seed inserts development profiles for local testing.
// Idempotent: skips inserts if the dev identity already has profiles.
// With -private-key it also prints a session token for the dev identity, signed for SESSION_ISSUER/SESSION_AUDIENCE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"freight-marketplace/identity/internal/config"
	"freight-marketplace/identity/internal/db"
	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	profilerepo "freight-marketplace/identity/internal/profile/repository"
	"freight-marketplace/identity/internal/security"
)

const (
	devIdentity      = identitydomain.Identity("00000000-0000-4000-8000-000000000001")
	devEmail         = "dev@example.com"
	devProducerID    = "00000000-0000-4000-8000-0000000000a1"
	devTransporterID = "00000000-0000-4000-8000-0000000000a2"
)

func main() {
	privateKey := flag.String("private-key", "", "PEM (or path) of the session signing key; prints a dev token when set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	repo := profilerepo.NewPostgresRepository(conn)
	existing, err := repo.ListProfiles(ctx, devIdentity, 1)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if len(existing) > 0 {
		log.Println("Seed already applied (dev identity has profiles). Skipping inserts.")
	} else {
		drafts := []profiledomain.Draft{
			{
				ID:          devProducerID,
				Identity:    devIdentity,
				DisplayName: "Dev Producer",
				Email:       devEmail,
				Document:    "12345678900",
				PrimaryRole: profiledomain.RoleProducer,
				Status:      profiledomain.StatusApproved,
			},
			{
				ID:          devTransporterID,
				Identity:    devIdentity,
				DisplayName: "Dev Transport Co",
				Phone:       "+55 11 90000-0001",
				PrimaryRole: profiledomain.RoleTransportCompany,
				Status:      profiledomain.StatusPending,
			},
		}
		for i := range drafts {
			if _, err := repo.InsertProfile(ctx, &drafts[i]); err != nil {
				log.Fatalf("insert profile %s: %v", drafts[i].ID, err)
			}
		}
		if err := repo.GrantRole(ctx, devIdentity, profiledomain.RoleAdmin); err != nil {
			log.Fatalf("grant role: %v", err)
		}
		if err := repo.UpdateActiveFlag(ctx, devIdentity, devProducerID); err != nil {
			log.Fatalf("mark active: %v", err)
		}
		log.Println("Seed completed successfully.")
	}

	if *privateKey == "" {
		return
	}
	signer, err := security.ParsePrivateKey(*privateKey)
	if err != nil {
		log.Fatalf("private key: %v", err)
	}
	issuer := security.NewTokenIssuer(signer, cfg.SessionIssuer, cfg.SessionAudience, 24*time.Hour)
	token, expiresAt, err := issuer.Issue(devIdentity, "", identitydomain.Metadata{Name: "Dev User", Email: devEmail})
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Printf("Dev session token (expires %s):\n%s\n", expiresAt.Format(time.RFC3339), token)
}
