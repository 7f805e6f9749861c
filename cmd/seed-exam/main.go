package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
)

func main() {
	studentID := flag.Int("student", 1, "Student ID to issue a token for")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	examService := service.NewExamService(
		repository.NewExamRepository(pool),
		repository.NewQuestionRepository(pool),
		repository.NewAttemptCache(rdb),
		log,
	)
	authService := service.NewAuthService(cfg)

	fmt.Println("=== Seeding demo exam ===")

	exam := &model.ExamDefinition{
		Title:           "Biologi Dasar",
		DurationMinutes: 10,
		PassingScore:    12,
		AllowRetakes:    true,
		MaxRetakes:      1,
		Questions: []model.Question{
			{
				Content:         "Apa yang dimaksud dengan sel?",
				ReferenceAnswer: "Sel adalah unit struktural dan fungsional terkecil dari makhluk hidup.",
				Keywords:        []string{"unit", "terkecil", "makhluk hidup"},
				MaxPoints:       10,
			},
			{
				Content:         "Jelaskan proses fotosintesis secara singkat.",
				ReferenceAnswer: "Fotosintesis mengubah cahaya matahari, air, dan karbon dioksida menjadi glukosa dan oksigen dengan bantuan klorofil.",
				Keywords:        []string{"cahaya", "klorofil", "glukosa", "oksigen"},
				MaxPoints:       10,
			},
			{
				Content:         "Sebutkan fungsi mitokondria.",
				ReferenceAnswer: "Mitokondria menghasilkan energi sel melalui respirasi seluler.",
				Keywords:        []string{"energi", "respirasi"},
			},
		},
	}

	if err := examService.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}

	token, err := authService.GenerateStudentToken(*studentID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue student token")
	}

	fmt.Printf("Exam ID:       %s\n", exam.ID)
	fmt.Printf("Questions:     %d (%.0f points)\n", len(exam.Questions), exam.TotalPoints)
	fmt.Printf("Student ID:    %d\n", *studentID)
	fmt.Printf("Student token: %s\n", token)
	fmt.Println("=== Seeding complete ===")
}
