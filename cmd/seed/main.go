// Command seed creates demo accounts for local development.
package main

import (
	"context"
	"log"

	"bizdesk/internal/config"
	"bizdesk/internal/database"
	"bizdesk/internal/domain"
	"bizdesk/internal/repository"

	"golang.org/x/crypto/bcrypt"
)

type seedAccount struct {
	email    string
	password string
	name     string
	role     domain.AccountRole
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if config.IsProdLike(cfg.App.Env) {
		log.Fatal("refusing to seed a prod-like environment")
	}

	db, err := database.Connect(cfg.Database.URL)
	if err != nil {
		log.Fatal("DB connection failed:", err)
	}
	log.Println("Running migrations...")
	if err := database.Migrate(db); err != nil {
		log.Fatal("Migrate failed:", err)
	}

	accounts := repository.NewAccountRepository(db, cfg.Database.StoreTimeout)
	ctx := context.Background()

	const companyID = 1
	seeds := []seedAccount{
		{"owner@bizdesk.local", "owner12345", "Demo Owner", domain.RoleOwner},
		{"manager@bizdesk.local", "manager12345", "Demo Manager", domain.RoleManager},
		{"staff@bizdesk.local", "staff12345", "Demo Staff", domain.RoleStaff},
	}
	for _, s := range seeds {
		exists, err := accounts.ExistsByEmail(ctx, s.email)
		if err != nil {
			log.Fatalf("check %s: %v", s.email, err)
		}
		if exists {
			log.Printf("%s already exists, skipping", s.email)
			continue
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(s.password), cfg.Auth.BcryptCost)
		if err != nil {
			log.Fatal(err)
		}
		err = accounts.Create(ctx, &domain.Account{
			CompanyID:    companyID,
			Email:        s.email,
			PasswordHash: string(hash),
			Role:         s.role,
			Name:         s.name,
		})
		if err != nil {
			log.Fatalf("create %s: %v", s.email, err)
		}
		log.Printf("Created %s / %s (%s)", s.email, s.password, s.role)
	}
	log.Println("Seed completed")
}
