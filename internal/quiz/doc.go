// Package quiz holds the value types shared by the scheduling, delivery and
// leaderboard components.
package quiz
